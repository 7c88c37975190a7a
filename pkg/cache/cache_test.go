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

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_SizeNeverExceedsMaxEntries(t *testing.T) {
	c, err := New(3, 0)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		c.Set(string(rune('a'+i%26))+string(rune(i)), i)
		require.LessOrEqual(t, c.Size(), 3)
	}
}

func TestCache_LRUEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(2, 0)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a") // touch a, making b the LRU tail
	c.Set("c", 3)     // evicts b

	_, ok := c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestCache_TTLZeroNeverExpires(t *testing.T) {
	c, err := New(10, 0)
	require.NoError(t, err)
	c.Set("k", "v")
	time.Sleep(5 * time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestCache_TTLExpiresEntries(t *testing.T) {
	c, err := New(10, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Shutdown()

	c.Set("k", "v")
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestCache_NewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0, 0)
	require.Error(t, err)
}

func TestNullCache_AlwaysMissesAndNoops(t *testing.T) {
	n := Null()
	n.Set("k", "v")
	_, ok := n.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, n.Size())
}

func TestNew0_DisablesOnZeroLimit(t *testing.T) {
	i := New0(0, 0)
	_, isNull := i.(*NullCache)
	require.True(t, isNull)

	i = New0(5, 0)
	_, isCache := i.(*Cache)
	require.True(t, isCache)
}

// TestCache_HitShortCircuitsRecency exercises the cache-hit scenario the
// scheduler depends on: repeated Gets of a stored key return the stored
// value without growing size, matching the "cache hit avoids a
// duplicate model call" seed scenario at the scheduler layer.
func TestCache_HitShortCircuitsRecency(t *testing.T) {
	c, err := New(5, 0)
	require.NoError(t, err)

	c.Set("fingerprint-1", "advice-v1")
	v, ok := c.Get("fingerprint-1")
	require.True(t, ok)
	require.Equal(t, "advice-v1", v)
	require.Equal(t, 1, c.Size())

	// A second occurrence of the same fingerprint hits the cache instead
	// of growing it.
	v, ok = c.Get("fingerprint-1")
	require.True(t, ok)
	require.Equal(t, "advice-v1", v)
	require.Equal(t, 1, c.Size())
}
