/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify_ThresholdBoundaries(t *testing.T) {
	cases := []struct {
		name string
		s    Sample
		want Level
	}{
		{"empty totals stay low", Sample{}, Low},
		{"just under medium", Sample{HeapUsed: 49, HeapTotal: 100}, Low},
		{"at medium boundary", Sample{HeapUsed: 50, HeapTotal: 100}, Medium},
		{"at high boundary", Sample{HeapUsed: 70, HeapTotal: 100}, High},
		{"at critical boundary", Sample{HeapUsed: 85, HeapTotal: 100}, Critical},
		{"system ratio drives classification when higher", Sample{
			HeapUsed: 10, HeapTotal: 100, SystemFree: 5, SystemTotal: 100,
		}, Critical},
		{"fully saturated", Sample{HeapUsed: 100, HeapTotal: 100}, Critical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classify(tc.s))
		})
	}
}

func TestIntervalFor_TightensUnderPressure(t *testing.T) {
	require.Equal(t, 10*time.Second, intervalFor(Low))
	require.Equal(t, 5*time.Second, intervalFor(Medium))
	require.Equal(t, 2*time.Second, intervalFor(High))
	require.Equal(t, 1*time.Second, intervalFor(Critical))
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "low", Low.String())
	require.Equal(t, "medium", Medium.String())
	require.Equal(t, "high", High.String())
	require.Equal(t, "critical", Critical.String())
	require.Equal(t, "unknown", Level(99).String())
}

func TestMonitor_CurrentDefaultsLowBeforeStart(t *testing.T) {
	m := New(nil)
	require.Equal(t, Low, m.Current())
}

func TestMonitor_StartStopIsIdempotentAndSafe(t *testing.T) {
	m := New(nil)
	m.Start()
	m.Start() // second call must be a no-op, not a second goroutine
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	m.Stop() // second call must not panic on a nil cancel
}

func TestMonitor_SubscribeReceivesLevelChangeNotifications(t *testing.T) {
	m := New(nil)
	ch := make(chan Level, 1)
	m.Subscribe(ch)

	m.current.Store(int32(Low))
	m.sample.Store(&Sample{Pressure: Low})
	m.notify(Critical)

	select {
	case l := <-ch:
		require.Equal(t, Critical, l)
	case <-time.After(time.Second):
		t.Fatal("expected a notification on the subscribed channel")
	}
}

func TestMonitor_OnLevelChangeInvokesCleanupSynchronously(t *testing.T) {
	m := New(nil)
	var got Level = -1
	m.OnLevelChange(func(l Level) { got = l })

	m.notify(High)
	require.Equal(t, High, got)
}
