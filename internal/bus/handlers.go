package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/t77yq/clusterd/internal/model"
)

// Invalidator drops cache entries, typically a *cache.Cache
type Invalidator interface {
	Delete(ctx context.Context, namespace, key string)
	InvalidateNamespace(ctx context.Context, namespace string)
}

// Refetcher refreshes platform entities held by the local gateway
type Refetcher interface {
	RefetchGuild(ctx context.Context, guildID uint64) error
	RefetchMember(ctx context.Context, guildID, userID uint64) error
}

// CommandToggler enables and disables commands locally
type CommandToggler interface {
	DisableCommand(name string) error
	EnableCommand(name string) error
}

// Dependencies are the local collaborators of the built-in handlers. Nil
// fields leave the matching event types unhandled.
type Dependencies struct {
	Cache    Invalidator
	Gateway  Refetcher
	Commands CommandToggler
}

// RegisterDefaults installs the built-in handlers for every well-known
// event type whose dependency is present
func (b *Bus) RegisterDefaults(deps Dependencies) {
	if deps.Cache != nil {
		b.Handle(model.EventCacheInvalidate, CacheInvalidateHandler(deps.Cache))
	}
	if deps.Gateway != nil {
		b.Handle(model.EventGuildUpdate, GuildUpdateHandler(deps.Gateway))
		b.Handle(model.EventMemberUpdate, MemberUpdateHandler(deps.Gateway))
	}
	if deps.Commands != nil {
		b.Handle(model.EventCommandDisable, CommandHandler(deps.Commands, false))
		b.Handle(model.EventCommandEnable, CommandHandler(deps.Commands, true))
	}
}

// CacheInvalidateHandler deletes payload.key from payload.namespace, or the
// whole namespace when no key is given
func CacheInvalidateHandler(c Invalidator) Handler {
	return func(ctx context.Context, evt *model.CrossClusterEvent) error {
		namespace := payloadString(evt.Payload, "namespace")
		key := payloadString(evt.Payload, "key")

		switch {
		case namespace != "" && key != "":
			c.Delete(ctx, namespace, key)
		case namespace != "":
			c.InvalidateNamespace(ctx, namespace)
		}
		return nil
	}
}

// GuildUpdateHandler re-fetches payload.guild_id
func GuildUpdateHandler(r Refetcher) Handler {
	return func(ctx context.Context, evt *model.CrossClusterEvent) error {
		guildID, err := payloadID(evt.Payload, "guild_id")
		if err != nil {
			return err
		}
		return r.RefetchGuild(ctx, guildID)
	}
}

// MemberUpdateHandler re-fetches payload.user_id within payload.guild_id
func MemberUpdateHandler(r Refetcher) Handler {
	return func(ctx context.Context, evt *model.CrossClusterEvent) error {
		guildID, err := payloadID(evt.Payload, "guild_id")
		if err != nil {
			return err
		}
		userID, err := payloadID(evt.Payload, "user_id")
		if err != nil {
			return err
		}
		return r.RefetchMember(ctx, guildID, userID)
	}
}

// CommandHandler enables or disables payload.command_name
func CommandHandler(t CommandToggler, enable bool) Handler {
	return func(ctx context.Context, evt *model.CrossClusterEvent) error {
		name := payloadString(evt.Payload, "command_name")
		if name == "" {
			return fmt.Errorf("%w: missing command_name", ErrInvalidPayload)
		}
		if enable {
			return t.EnableCommand(name)
		}
		return t.DisableCommand(name)
	}
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// payloadID reads a snowflake id. Ids are carried as strings because they
// exceed the integer range of JSON numbers, but stores that keep native
// integers are accepted too.
// maxExactFloat is the largest integer float64 carries without rounding
const maxExactFloat = 1 << 53

func payloadID(p map[string]any, key string) (uint64, error) {
	switch v := p[key].(type) {
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, key, err)
		}
		return id, nil
	case int:
		if v >= 0 {
			return uint64(v), nil
		}
	case int32:
		if v >= 0 {
			return uint64(v), nil
		}
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case uint64:
		return v, nil
	case float64:
		// Above 2^53 the value may already have been rounded
		if v >= 0 && v <= maxExactFloat && v == math.Trunc(v) {
			return uint64(v), nil
		}
	case json.Number:
		id, err := strconv.ParseUint(v.String(), 10, 64)
		if err == nil {
			return id, nil
		}
	case nil:
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidPayload, key)
	}
	return 0, fmt.Errorf("%w: %s has unexpected value %v", ErrInvalidPayload, key, p[key])
}
