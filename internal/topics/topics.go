// Package topics maps protocol channels onto the feeder's MQTT topic
// scheme: dl/plaf203/{serial}/{channel}/{direction}. The device publishes
// on "post" topics and listens on "sub" topics.
package topics

import (
	"fmt"
	"strings"
)

const productPrefix = "dl/plaf203"

// Channel is one of the eight per-device topic channels.
type Channel string

const (
	ChannelHeart     Channel = "heart"
	ChannelOta       Channel = "ota"
	ChannelNtp       Channel = "ntp"
	ChannelBroadcast Channel = "broadcast"
	ChannelConfig    Channel = "config"
	ChannelEvent     Channel = "event"
	ChannelService   Channel = "service"
	ChannelSystem    Channel = "system"
)

// Channels lists every channel in a stable order.
var Channels = []Channel{
	ChannelHeart,
	ChannelOta,
	ChannelNtp,
	ChannelBroadcast,
	ChannelConfig,
	ChannelEvent,
	ChannelService,
	ChannelSystem,
}

// Direction distinguishes the device-publish and device-subscribe halves of
// a channel.
type Direction string

const (
	// DirectionPost carries device-to-server traffic.
	DirectionPost Direction = "post"
	// DirectionSub carries server-to-device traffic.
	DirectionSub Direction = "sub"
)

// Lightweight reports whether messages on the channel use the reduced
// envelope shape without a msgId.
func (c Channel) Lightweight() bool {
	return c == ChannelHeart || c == ChannelNtp
}

// TopicFor builds the topic for one device, channel and direction.
func TopicFor(serial string, channel Channel, direction Direction) string {
	return fmt.Sprintf("%s/%s/%s/%s", productPrefix, serial, channel, direction)
}

// SubscribeTopics returns every topic the server must subscribe to for one
// device: the post half of all channels.
func SubscribeTopics(serial string) []string {
	out := make([]string, 0, len(Channels))
	for _, ch := range Channels {
		out = append(out, TopicFor(serial, ch, DirectionPost))
	}
	return out
}

var validChannels = func() map[Channel]bool {
	m := make(map[Channel]bool, len(Channels))
	for _, ch := range Channels {
		m[ch] = true
	}
	return m
}()

// Parse splits a topic back into its parts. Topics outside the
// dl/plaf203 namespace or with an unknown channel or direction fail.
func Parse(topic string) (serial string, channel Channel, direction Direction, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0]+"/"+parts[1] != productPrefix {
		return "", "", "", fmt.Errorf("topic %q does not match %s/{serial}/{channel}/{post|sub}", topic, productPrefix)
	}

	serial = parts[2]
	channel = Channel(parts[3])
	direction = Direction(parts[4])
	if serial == "" {
		return "", "", "", fmt.Errorf("topic %q has an empty device serial", topic)
	}
	if !validChannels[channel] {
		return "", "", "", fmt.Errorf("topic %q has unknown channel %q", topic, parts[3])
	}
	if direction != DirectionPost && direction != DirectionSub {
		return "", "", "", fmt.Errorf("topic %q has unknown direction %q", topic, parts[4])
	}
	return serial, channel, direction, nil
}
