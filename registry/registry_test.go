// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package registry_test

import (
	"testing"

	"github.com/creachadair/duplex/registry"
	"github.com/google/go-cmp/cmp"
)

func TestCollection(t *testing.T) {
	var c registry.Collection

	if c.Len() != 0 {
		t.Errorf("Empty collection: len %d, want 0", c.Len())
	}
	if v, ok := c.Get("files"); ok {
		t.Errorf("Get files: got %v, want not found", v)
	}

	if prev := c.Set("files", "files-v1"); prev != nil {
		t.Errorf("Set files: got previous %v, want nil", prev)
	}
	c.Set("search", "search-v1")
	c.Set("config", "config-v1")

	// Re-binding reports the prior value and keeps insertion order.
	if prev := c.Set("search", "search-v2"); prev != "search-v1" {
		t.Errorf("Set search: got previous %v, want search-v1", prev)
	}
	if diff := cmp.Diff([]string{"files", "search", "config"}, c.Keys()); diff != "" {
		t.Errorf("Keys (-want, +got):\n%s", diff)
	}

	if v, ok := c.Get("search"); !ok || v != "search-v2" {
		t.Errorf("Get search: got %v, %v; want search-v2, true", v, ok)
	}
	if !c.Has("config") {
		t.Error("Has config: got false, want true")
	}
}

func TestDescriptor(t *testing.T) {
	var c registry.Collection

	var built int
	c.Set("lazy", registry.Descriptor{New: func() any {
		built++
		return "instance"
	}})

	if built != 0 {
		t.Errorf("Before Get: constructed %d times, want 0", built)
	}
	for range 3 {
		if v, ok := c.Get("lazy"); !ok || v != "instance" {
			t.Errorf("Get lazy: got %v, %v; want instance, true", v, ok)
		}
	}
	if built != 1 {
		t.Errorf("After Get: constructed %d times, want 1", built)
	}

	// Replacing a descriptor binding reports the descriptor if it was never
	// resolved, or the instance if it was.
	if prev, ok := c.Set("lazy", "direct").(string); !ok || prev != "instance" {
		t.Errorf("Set lazy: got previous %v, want instance", prev)
	}
}
