package harness

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/registry"
)

// names resolves scenario references against one program and start time.
type names struct {
	programID ledger.Pubkey
	start     int64
}

func (n names) keypair(name string) *ledger.Keypair {
	return ledger.KeypairFromName(name)
}

// account resolves a wallet name, channel:OWNER:ID, template:ID,
// memory:CREATOR:NPC:GAME or state:CREATOR:NPC:GAME.
func (n names) account(ref string) (ledger.Pubkey, error) {
	kind, rest, found := strings.Cut(ref, ":")
	if !found {
		return n.keypair(ref).Pubkey(), nil
	}
	switch kind {
	case "channel":
		owner, id, ok := strings.Cut(rest, ":")
		if !ok {
			return ledger.Pubkey{}, fmt.Errorf("channel reference %q: want channel:OWNER:ID", ref)
		}
		return channel.Address(n.programID, n.keypair(owner).Pubkey(), id)
	case "template":
		return registry.Address(n.programID, rest)
	case "memory", "state":
		parts := strings.Split(rest, ":")
		if len(parts) != 3 {
			return ledger.Pubkey{}, fmt.Errorf("npc reference %q: want %s:CREATOR:NPC:GAME", ref, kind)
		}
		memory, state, err := npc.Addresses(n.programID, n.keypair(parts[0]).Pubkey(), parts[1], parts[2])
		if kind == "memory" {
			return memory, err
		}
		return state, err
	default:
		return ledger.Pubkey{}, fmt.Errorf("unknown account reference %q", ref)
	}
}

// expand replaces "$" tokens in v. Floats are rejected: amounts are
// integers.
func (n names) expand(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null values are not allowed")
	case string:
		return n.expandString(val)
	case float64:
		if val == float64(int64(val)) {
			return int64(val), nil
		}
		return nil, fmt.Errorf("floats are not allowed: %v", val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			e, err := n.expand(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = e
		}
		return out, nil
	case map[string]any:
		return n.expandMap(val)
	default:
		return val, nil
	}
}

func (n names) expandMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		e, err := n.expand(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = e
	}
	return out, nil
}

func (n names) expandString(s string) (any, error) {
	if !strings.HasPrefix(s, "$") {
		return s, nil
	}
	kind, arg, found := strings.Cut(s[1:], ":")
	if !found {
		return nil, fmt.Errorf("token %q: want $KIND:ARG", s)
	}
	switch kind {
	case "key":
		return n.keypair(arg).Pubkey().String(), nil
	case "hash":
		return channel.HashSecret([]byte(arg)).String(), nil
	case "secret":
		return hex.EncodeToString([]byte(arg)), nil
	case "time":
		offset, err := strconv.ParseInt(strings.TrimPrefix(arg, "+"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", s, err)
		}
		return n.start + offset, nil
	case "repeat":
		count, text, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("token %q: want $repeat:N:TEXT", s)
		}
		c, err := strconv.Atoi(count)
		if err != nil || c < 0 {
			return nil, fmt.Errorf("token %q: bad count", s)
		}
		return strings.Repeat(text, c), nil
	default:
		return nil, fmt.Errorf("unknown token %q", s)
	}
}
