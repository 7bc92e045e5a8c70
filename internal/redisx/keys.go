package redisx

import "time"

const (
	// Gateway bearer token shared across instances: mpesa:token:{shortcode} -> token
	KeyGatewayToken = "mpesa:token:%s"

	// Terminal sale status cache: sale_status:{sale_id} -> JSON status response
	KeySaleStatus = "sale_status:%s"

	// Dedup of terminal webhook callbacks: dedup:{channel}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
