package sales

type SaleStatus string

const (
	SalePending   SaleStatus = "PENDING"
	SaleCompleted SaleStatus = "COMPLETED"
	SaleFailed    SaleStatus = "FAILED"
	SaleCancelled SaleStatus = "CANCELLED"
)

var validNext = map[SaleStatus]map[SaleStatus]bool{
	SalePending:   {SaleCompleted: true, SaleFailed: true, SaleCancelled: true},
	SaleCompleted: {},
	SaleFailed:    {},
	SaleCancelled: {},
}

func CanTransition(from, to SaleStatus) bool {
	return validNext[from][to]
}

func (s SaleStatus) Terminal() bool {
	return s != SalePending
}

type IntentStatus string

const (
	IntentSent      IntentStatus = "SENT"
	IntentCompleted IntentStatus = "COMPLETED"
	IntentFailed    IntentStatus = "FAILED"
)

func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

type QRStatus string

const (
	QRPending QRStatus = "PENDING"
	QRPaid    QRStatus = "PAID"
	QRExpired QRStatus = "EXPIRED"
)

type ManualStatus string

const (
	ManualPending  ManualStatus = "PENDING"
	ManualVerified ManualStatus = "VERIFIED"
	ManualRejected ManualStatus = "REJECTED"
)
