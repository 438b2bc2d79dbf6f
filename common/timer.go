// Copyright 2022 The watchhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler callback function signature called timer timeout
type TimeoutHandler func() error

// IntervalTimer is a support interface for triggering events at specific intervals
type IntervalTimer interface {
	// Start starts timer with a specific timeout interval, and the callback to trigger
	// on timeout. If oneShot, the timer stops after the first timeout.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stops the timer
	Stop() error
}

type intervalTimerImpl struct {
	Component
	rootContext   context.Context
	lock          sync.Mutex
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance get an implementation instance of IntervalTimer
func GetIntervalTimerInstance(
	rootCtxt context.Context, name string, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start starts timer with a specific timeout interval, and the callback to trigger
// on timeout. If oneShot, the timer stops after the first timeout.
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	if interval <= 0 {
		return fmt.Errorf("timer interval must be positive: %s", interval)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		return fmt.Errorf("timer already running")
	}
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-ticker.C:
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
				if oneShot {
					t.lock.Lock()
					t.contextCancel = nil
					t.lock.Unlock()
					cancel()
					return
				}
			}
		}
	}()
	return nil
}

// Stop stops the timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
		t.contextCancel = nil
	}
	return nil
}
