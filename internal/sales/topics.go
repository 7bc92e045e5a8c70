package sales

const (
	TopicSaleFinalized        = "sale.finalized"
	TopicInventoryAnomaly     = "inventory.anomaly"
	TopicPaymentNotifications = "payments.notifications"
)

// Partition key = sale_id, so every event of one sale keeps its order.
func PartitionKey(saleID string) []byte { return []byte(saleID) }
