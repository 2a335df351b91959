// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package socket

import (
	"fmt"

	srt "github.com/datarhei/gosrt"
)

// MaxSRTPayloadSize is the largest payload an SRT send accepts in one call.
const MaxSRTPayloadSize = 1316

type Config struct {
	// Address family of TCP and UDP sockets. FamilyIPv6 sockets accept
	// IPv4 peers as well.
	Family Family

	// Allow binding to an address in TIME_WAIT.
	// SO_REUSEADDR
	ReuseAddr bool

	// IP socket type of service, 0 leaves the system default.
	// IP_TOS
	IPTOS int

	// IP socket "time to live", 0 leaves the system default.
	// IP_TTL
	IPTTL int

	// Kernel send buffer size in bytes, 0 leaves the system default.
	// SO_SNDBUF
	SendBufferSize int

	// Kernel receive buffer size in bytes, 0 leaves the system default.
	// SO_RCVBUF
	ReceiveBufferSize int

	// Capacity of a Multiplexer's event buffer, i.e. the maximum number of
	// events one Wait returns.
	MaxEvents int

	// Largest chunk an SRT Send passes to the transport in one call.
	MaxPayloadSize int

	// Options of SRT sockets. The Logger of this Config is used if
	// SRT.Logger is nil.
	SRT srt.Config

	// Logger for the socket topics. Nil disables logging.
	Logger Logger

	// Receives a sample for each successful SRT receive. Nil disables
	// receive diagnostics.
	Observer ReceiveObserver
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Family:            FamilyIPv4,
		ReuseAddr:         true,
		IPTOS:             0,
		IPTTL:             0,
		SendBufferSize:    0,
		ReceiveBufferSize: 0,
		MaxEvents:         1024,
		MaxPayloadSize:    MaxSRTPayloadSize,
		SRT:               srt.DefaultConfig(),
		Logger:            nil,
		Observer:          nil,
	}
}

// Validate validates a configuration.
func (c Config) Validate() error {
	if c.Family != FamilyIPv4 && c.Family != FamilyIPv6 {
		return fmt.Errorf("config: Family must be 4 or 6")
	}

	if c.IPTOS < 0 || c.IPTOS > 255 {
		return fmt.Errorf("config: IPTOS must be between 0 and 255")
	}

	if c.IPTTL < 0 || c.IPTTL > 255 {
		return fmt.Errorf("config: IPTTL must be between 0 and 255")
	}

	if c.SendBufferSize < 0 {
		return fmt.Errorf("config: SendBufferSize must not be negative")
	}

	if c.ReceiveBufferSize < 0 {
		return fmt.Errorf("config: ReceiveBufferSize must not be negative")
	}

	if c.MaxEvents <= 0 {
		return fmt.Errorf("config: MaxEvents must be greater than 0")
	}

	if c.MaxPayloadSize <= 0 || c.MaxPayloadSize > MaxSRTPayloadSize {
		return fmt.Errorf("config: MaxPayloadSize must be between 1 and %d", MaxSRTPayloadSize)
	}

	if err := c.SRT.Validate(); err != nil {
		return fmt.Errorf("config: SRT: %w", err)
	}

	return nil
}

// srtConfig returns the SRT options with the logger filled in.
func (c Config) srtConfig() srt.Config {
	config := c.SRT

	if config.Logger == nil && c.Logger != nil {
		config.Logger = c.Logger
	}

	return config
}

// payloadSize returns the SRT chunk size.
func (c Config) payloadSize() int {
	size := c.MaxPayloadSize
	if size <= 0 || size > MaxSRTPayloadSize {
		size = MaxSRTPayloadSize
	}

	if p := int(c.SRT.PayloadSize); p > 0 && p < size {
		size = p
	}

	return size
}
