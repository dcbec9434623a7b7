// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package poller

import (
	"fmt"
	"strconv"

	"github.com/soothill/vue-energy-logger/pkg/interfaces"
)

// mainChannelNum is the composite channel number the metering service uses
// for a device's main/parent feed.
const mainChannelNum = "1,2,3"

// DeviceIndex maps channel identities to the display names stored as the
// device_name tag on every point. It is populated lazily from the account's
// channel listing and refreshed when an unknown identity shows up.
type DeviceIndex struct {
	names map[string]string
	// overrides holds positional channel names per device from the config:
	// entry N renames channel number N+1.
	overrides map[string][]string
}

// NewDeviceIndex creates an empty index with the given per-device channel
// name overrides.
func NewDeviceIndex(overrides map[string][]string) *DeviceIndex {
	return &DeviceIndex{
		names:     make(map[string]string),
		overrides: overrides,
	}
}

// Populate rebuilds the index from a full channel listing.
func (ix *DeviceIndex) Populate(channels []interfaces.Channel) {
	names := make(map[string]string, len(channels))
	for _, ch := range channels {
		names[channelKey(ch)] = ix.displayName(ch)
	}
	ix.names = names
}

// Lookup returns the display name for a channel identity.
func (ix *DeviceIndex) Lookup(ch interfaces.Channel) (string, bool) {
	name, ok := ix.names[channelKey(ch)]
	return name, ok
}

// Len returns the number of indexed channels.
func (ix *DeviceIndex) Len() int {
	return len(ix.names)
}

// displayName synthesizes the stored display name for a channel. Numeric
// channels render zero-padded ("Vue-03") so they sort correctly; composite
// channels such as the main feed keep their raw number ("Vue-1,2,3").
// Config overrides replace numeric channel names positionally.
func (ix *DeviceIndex) displayName(ch interfaces.Channel) string {
	deviceName := ch.DeviceName
	if deviceName == "" {
		deviceName = strconv.Itoa(ch.DeviceGID)
	}

	num, err := strconv.Atoi(ch.ChannelNum)
	if err != nil {
		return fmt.Sprintf("%s-%s", deviceName, ch.ChannelNum)
	}

	if channels, ok := ix.overrides[deviceName]; ok && num >= 1 && num <= len(channels) {
		return channels[num-1]
	}
	return fmt.Sprintf("%s-%02d", deviceName, num)
}

func channelKey(ch interfaces.Channel) string {
	return fmt.Sprintf("%d-%s", ch.DeviceGID, ch.ChannelNum)
}
