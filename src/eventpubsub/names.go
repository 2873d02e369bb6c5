package eventpubsub

const (
	TopicCallbackError  = "scheduler:callback_error"
	TopicMarginCall     = "margin:call"
	TopicLiquidation    = "margin:liquidation"
	TopicFundsSettled   = "settlement:funds_settled"
	TopicCashSettlement = "account:cash_settled"
)
