// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package events defines the push payloads the core sends to the UI and a
// small fan-out broker. The supervisor, stats collector and YAML mirror all
// publish here; the HTTP API streams subscriptions out as SSE.
package events

import (
	"sync"
	"time"

	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
)

var elog = log.WithComponent("events.Broker")

// Type discriminates event payloads on the wire.
type Type string

const (
	TypeProcessStatusChanged Type = "ProcessStatusChanged"
	TypeProcessLog           Type = "ProcessLog"
	TypeProcessStatsUpdated  Type = "ProcessStatsUpdated"
	TypeYamlFileChanged      Type = "YamlFileChanged"
	TypeConfigReloaded       Type = "ConfigReloaded"
)

// Event is one push message. Exactly one payload field is set, matching Type.
type Event struct {
	Type          Type                `json:"type"`
	ProcessStatus *model.ProcessInfo  `json:"processStatus,omitempty"`
	ProcessLog    *ProcessLogPayload  `json:"processLog,omitempty"`
	ProcessStats  []model.ProcessInfo `json:"processStats,omitempty"`
	YamlFile      *YamlFilePayload    `json:"yamlFile,omitempty"`
	Config        *ConfigPayload      `json:"config,omitempty"`
}

// ProcessLogPayload carries one output chunk to the UI terminal.
type ProcessLogPayload struct {
	ProjectID string          `json:"projectId"`
	Stream    model.LogStream `json:"stream"`
	Data      string          `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// YamlFilePayload reports an external edit of a mirrored file.
type YamlFilePayload struct {
	GroupID  string `json:"groupId"`
	FilePath string `json:"filePath"`
}

// ConfigPayload carries the full group list after a reload.
type ConfigPayload struct {
	Groups []model.Group `json:"groups"`
}

const subscriberBuffer = 256

// Broker fans events out to subscribers. Slow subscribers lose the oldest
// queued event rather than blocking a publisher.
type Broker struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber channel. Call the returned cancel
// function to unsubscribe and close the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Emit delivers the event to every subscriber without blocking.
func (b *Broker) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// drop-oldest keeps the stream live for laggy consumers
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				elog.Debug("subscriber queue still full, event dropped")
			}
		}
	}
}

// EmitStatus is sugar for the most frequent event.
func (b *Broker) EmitStatus(info model.ProcessInfo) {
	b.Emit(Event{Type: TypeProcessStatusChanged, ProcessStatus: &info})
}

// EmitLog is sugar for log chunk events.
func (b *Broker) EmitLog(projectID string, stream model.LogStream, data []byte, ts time.Time) {
	b.Emit(Event{Type: TypeProcessLog, ProcessLog: &ProcessLogPayload{
		ProjectID: projectID,
		Stream:    stream,
		Data:      string(data),
		Timestamp: ts,
	}})
}
