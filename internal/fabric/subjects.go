package fabric

import "strings"

// subjectFor maps a topic and symbol to a wire subject. Symbol "*" widens
// to all symbols on the topic; "" means the topic has no symbol token.
func (b *Bus) subjectFor(topic, symbol string) string {
	switch symbol {
	case "":
		return b.prefix + topic
	case "*":
		return b.prefix + topic + ".*"
	default:
		return b.prefix + topic + "." + symbolToken(symbol)
	}
}

// symbolToken converts an exchange symbol into a subject-safe token:
// "BTC/USDT" becomes "BTC-USDT".
func symbolToken(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// streamForTopic names the stream that owns a topic, or "" for topics that
// ride core NATS only.
func streamForTopic(topic string) string {
	switch {
	case strings.HasPrefix(topic, "signals."):
		return StreamSignals
	case strings.HasPrefix(topic, "trade."),
		strings.HasPrefix(topic, "execution."),
		strings.HasPrefix(topic, "position."):
		return StreamTrading
	case strings.HasPrefix(topic, "system."):
		return StreamSystem
	default:
		return ""
	}
}

// durableFor builds a durable consumer name from the consumer group, topic
// and symbol. Durable names must not contain dots or wildcards.
func durableFor(group, topic, symbol string) string {
	parts := []string{group, strings.ReplaceAll(topic, ".", "-")}
	switch symbol {
	case "", "*":
		parts = append(parts, "all")
	default:
		parts = append(parts, symbolToken(symbol))
	}
	return strings.Join(parts, "-")
}
