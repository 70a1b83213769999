package exam

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Channel names a delivery mechanism.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
)

func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelTelegram, ChannelWhatsApp:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// Subscriber is a recipient on one channel. The same person on two channels is
// two subscribers.
type Subscriber struct {
	Channel Channel
	ID      string
}

func (s Subscriber) String() string { return string(s.Channel) + ":" + s.ID }

func SortSubscribers(subs []Subscriber) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Channel != subs[j].Channel {
			return subs[i].Channel < subs[j].Channel
		}
		return subs[i].ID < subs[j].ID
	})
}

// Subscription is a subscriber together with the locations it follows.
type Subscription struct {
	Subscriber Subscriber
	Locations  []LocationID
	CreatedAt  time.Time
}
