// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package runtime

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/px/pkg/config"
	"github.com/go-core-stack/px/pkg/resolver"
)

func TestSetResolverPublishesNewSnapshot(t *testing.T) {
	cfg := &config.Config{}
	r1 := resolver.New(resolver.DirectOnly, nil, nil, zerolog.Nop())
	r2 := resolver.New(resolver.DirectOnly, nil, nil, zerolog.Nop())

	rt := New(cfg, nil, r1)
	if rt.Resolver() != r1 {
		t.Fatal("expected initial resolver snapshot")
	}

	rt.SetResolver(r2)
	if rt.Resolver() != r2 {
		t.Fatal("expected updated resolver snapshot")
	}
}
