package domain

// gatewayStatuses — словарь статусов Mercado Pago.
var gatewayStatuses = map[string]PaymentStatus{
	"approved":   PaymentStatusPaid,
	"authorized": PaymentStatusPaid,
	"pending":    PaymentStatusPending,
	"in_process": PaymentStatusPending,
	"rejected":   PaymentStatusFail,
	"cancelled":  PaymentStatusFail,
	"refunded":   PaymentStatusFail,
}

// TranslateGatewayStatus переводит статус шлюза в статус платежа.
// Сравнение точное. Неизвестный статус считается PENDING:
// платёж остаётся доступным для следующей сверки.
func TranslateGatewayStatus(gatewayStatus string) PaymentStatus {
	if s, ok := gatewayStatuses[gatewayStatus]; ok {
		return s
	}
	return PaymentStatusPending
}
