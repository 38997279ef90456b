package telemetry

import (
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscriber is the subset of mqtt.Client SubscribeControl needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// KeyHandler consumes one key name, as control.Input.HandleKey does.
type KeyHandler func(key string) bool

// SubscribeControl feeds every whitespace-separated key in messages on
// ControlTopic(prefix) to handle.
func SubscribeControl(client Subscriber, prefix string, handle KeyHandler) error {
	topic := ControlTopic(prefix)
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		for _, key := range strings.Fields(string(msg.Payload())) {
			if !handle(key) {
				log.Printf("[telemetry] ignoring key %q on %s", key, msg.Topic())
			}
		}
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	return nil
}
