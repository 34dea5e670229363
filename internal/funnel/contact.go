package funnel

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/humano-saude/funnel-api/internal/model"
)

// countryCode prefixes every dialable number; the funnel serves Brazilian
// brokers only.
const countryCode = "55"

// contactNumber picks the broker's best dialable number, WhatsApp first.
func contactNumber(broker *model.Broker) string {
	number := broker.WhatsApp
	if number == "" {
		number = broker.Phone
	}
	return digitsOnly(number)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// WhatsAppURL builds the wa.me deep link a lead taps after seeing their
// simulation, with a prefilled message carrying their current premium.
// Empty when the broker has no dialable number.
func WhatsAppURL(broker *model.Broker, currentValue float64) string {
	number := contactNumber(broker)
	if number == "" {
		return ""
	}
	msg := fmt.Sprintf(
		"Olá %s! Fiz uma simulação no seu link e gostaria de saber mais sobre como economizar no meu plano de saúde. Meu valor atual é R$ %.2f.",
		broker.Name, currentValue,
	)
	return "https://wa.me/" + countryCode + number + "?text=" + url.QueryEscape(msg)
}

// TelURL builds the click-to-call link for the same number.
func TelURL(broker *model.Broker) string {
	number := contactNumber(broker)
	if number == "" {
		return ""
	}
	return "tel:+" + countryCode + number
}
