// Package proxy implements spec.md 4.E: the broker-proxy backend that is
// simultaneously an acceptor-side receiver for incoming client connections
// and a forwarder that pushes client blocks onward to the real broker
// through a pool of outgoing block clients.
package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/dispatch"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/proto"
	"github.com/myelnet/blobfabric/task"
)

// Config holds the independently configurable timer cadences (spec.md §9
// Open Question decision: PRUNE_INTERVAL and the timer cadence are kept
// independent rather than derived from one another).
type Config struct {
	Tick               time.Duration // default timer cadence (spec.md 4.E.1, "default every 5s")
	BackPressureTick   time.Duration // re-armed cadence under small-blocks exhaustion (4.E.3 step 3)
	PruneInterval      time.Duration // default 60s (4.E.3 step 4)
	PruneCheckInterval time.Duration // default 20s; Tick does not read it, the prune pass runs on every tick
	MaxSmallBlocks     int           // hard cap, default ~5MiB/SmallBlockSize
	SmallBlockSize     int
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	const smallBlockSize = 4096
	return Config{
		Tick:               5 * time.Second,
		BackPressureTick:    100 * time.Millisecond,
		PruneInterval:      60 * time.Second,
		PruneCheckInterval: 20 * time.Second,
		MaxSmallBlocks:     (5 * 1024 * 1024) / smallBlockSize,
		SmallBlockSize:     smallBlockSize,
	}
}

// clientState tracks the channels a logical peer P has been associated on
// (spec.md 4.E.1 clientsState).
type clientState struct {
	configuredChannelIDs map[peerid.Channel]struct{}
}

func newClientState() *clientState {
	return &clientState{configuredChannelIDs: make(map[peerid.Channel]struct{})}
}

// Backend is the central proxy state (spec.md 4.E.1). It never accepts
// object-adapter dispatches in its outgoing pool: BlockDispatch only,
// enforcing at the type level that a rotating dispatch entry always
// reports a non-nil ChannelID (spec.md §9 Open Question decision).
type Backend struct {
	cfg Config

	peerID       peerid.Peer
	blockClients []dispatch.BlockDispatch
	rotating     *dispatch.Rotating
	queue        *task.Queue

	pool *datablock.Pool

	mu                sync.Mutex
	channelsState     map[peerid.Channel]dispatch.BlockDispatch
	clientsState      map[peerid.Peer]*clientState
	clientsPruneState map[peerid.Peer]time.Time

	// activePeers is the externally-reported "currently observed on a
	// proxied connection" set, replaced wholesale by each NotifyActivePeers
	// call; until the first call it is empty, so the pruner counts every
	// tracked peer as inactive.
	activePeers map[peerid.Peer]struct{}

	disconnected bool
}

// NewBackend constructs a Backend over a fixed vector of outgoing block
// clients (spec.md 4.E.1 "blockClients").
func NewBackend(peerID peerid.Peer, blockClients []dispatch.BlockDispatch, cfg Config) *Backend {
	pool := datablock.NewPool()
	pool.Configure(datablock.ClassSmall, cfg.SmallBlockSize, cfg.MaxSmallBlocks)
	return &Backend{
		cfg:               cfg,
		peerID:            peerID,
		blockClients:      blockClients,
		rotating:          dispatch.NewRotating(blockClients),
		pool:              pool,
		channelsState:     make(map[peerid.Channel]dispatch.BlockDispatch),
		clientsState:      make(map[peerid.Peer]*clientState),
		clientsPruneState: make(map[peerid.Peer]time.Time),
		activePeers:       make(map[peerid.Peer]struct{}),
	}
}

// SmallBlockPool exposes the small-blocks pool so callers (tests, metrics)
// can observe allocation pressure (spec.md SUPPLEMENTED FEATURES #4).
func (b *Backend) SmallBlockPool() *datablock.Pool { return b.pool }

// NotifyActivePeers records the set of peers presently observed on a
// proxied connection; the pruner (4.E.3 step 4) diffs clientsState against
// this set.
func (b *Backend) NotifyActivePeers(peers []peerid.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activePeers = make(map[peerid.Peer]struct{}, len(peers))
	for _, p := range peers {
		b.activePeers[p] = struct{}{}
	}
}

// PeerConnected implements spec.md 4.E.5: wipe configuredChannelIds(P) (a
// reconnect invalidates any prior association) and clear its prune timer.
func (b *Backend) PeerConnected(p peerid.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clientsState[p] = newClientState()
	delete(b.clientsPruneState, p)
}

// PeerDisconnected implements spec.md 4.E.5: no synchronous action, the
// pruner will observe P as inactive on its next tick.
func (b *Backend) PeerDisconnected(p peerid.Peer) {}

// recomputeChannelsState rebuilds channelsState from blockClients (spec.md
// 4.E.3 step 1). It returns whether the map changed.
func (b *Backend) recomputeChannelsState() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make(map[peerid.Channel]dispatch.BlockDispatch, len(b.blockClients))
	for _, c := range b.blockClients {
		if c.IsConnected() {
			next[c.ChannelID()] = c
		}
	}
	changed := len(next) != len(b.channelsState)
	if !changed {
		for id := range next {
			if _, ok := b.channelsState[id]; !ok {
				changed = true
				break
			}
		}
	}
	b.channelsState = next
	return changed
}

// anyConnected reports whether at least one outgoing block client to the
// real broker is connected (spec.md 4.E.3 step 2).
func (b *Backend) anyConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channelsState) > 0
}

// Tick runs one timer cycle (spec.md 4.E.3). shutdown is invoked if the
// proxy has lost all connectivity to the real broker (step 2); it should
// trigger the owning server's control-token shutdown. It returns the
// interval the next tick should be scheduled after.
func (b *Backend) Tick(ctx context.Context, shutdown func()) time.Duration {
	if b.recomputeChannelsState() {
		log.Debug().Msg("proxy: channelsState changed")
	}
	if !b.anyConnected() {
		b.mu.Lock()
		b.disconnected = true
		b.mu.Unlock()
		shutdown()
		return b.cfg.Tick
	}

	backPressure := b.associateMissingChannels(ctx)
	b.prune()

	if backPressure {
		return b.cfg.BackPressureTick
	}
	return b.cfg.Tick
}

// associateMissingChannels implements spec.md 4.E.3 step 3. It returns
// true if the small-blocks budget was exhausted mid-pass (back-pressure).
func (b *Backend) associateMissingChannels(ctx context.Context) bool {
	b.mu.Lock()
	connected := make(map[peerid.Channel]dispatch.BlockDispatch, len(b.channelsState))
	for id, d := range b.channelsState {
		connected[id] = d
	}
	peers := make(map[peerid.Peer]*clientState, len(b.clientsState))
	for p, cs := range b.clientsState {
		peers[p] = cs
	}
	b.mu.Unlock()

	for p, cs := range peers {
		b.mu.Lock()
		for id := range cs.configuredChannelIDs {
			if _, ok := connected[id]; !ok {
				delete(cs.configuredChannelIDs, id)
			}
		}
		missing := make([]peerid.Channel, 0)
		for id := range connected {
			if _, ok := cs.configuredChannelIDs[id]; !ok {
				missing = append(missing, id)
			}
		}
		b.mu.Unlock()

		for _, id := range missing {
			d, ok := connected[id]
			if !ok {
				continue
			}
			if _, allocOK := b.pool.Get(datablock.ClassSmall); !allocOK {
				return true
			}
			if err := b.sendAssociate(ctx, d, p); err != nil {
				log.Error().Err(err).Str("peer", p.String()).Msg("proxy: internal associate task failed")
				continue
			}
			b.mu.Lock()
			cs.configuredChannelIDs[id] = struct{}{}
			b.mu.Unlock()
		}
	}
	return false
}

// sendAssociate implements spec.md 4.E.2: build and push the associate
// message for peer p on dispatch d.
func (b *Backend) sendAssociate(ctx context.Context, d dispatch.BlockDispatch, p peerid.Peer) error {
	msg := proto.Message{
		MessageType:    proto.BackendAssociateTargetPeerId,
		MessageID:      peerid.NewSessionID().String(),
		ConversationID: peerid.NewSessionID().String(),
		SourcePeerID:   uuidOf(b.peerID),
		TargetPeerID:   uuidOf(p),
	}
	adapter := dispatch.NewBlockFromObject(msg, nil)
	blk, err := adapter.Serialize(b.pool, datablock.ClassSmall)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := d.PushBlock(ctx, p, blk, func(err error) { done <- err }); err != nil {
		b.pool.Put(blk)
		return err
	}
	err = <-done
	b.pool.Put(blk)
	return err
}

// prune implements spec.md 4.E.3 step 4 / P8: peers absent from the active
// set longer than PruneInterval are dropped from clientsState.
func (b *Backend) prune() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for p := range b.clientsState {
		if _, active := b.activePeers[p]; active {
			delete(b.clientsPruneState, p)
			continue
		}
		firstSeen, tracked := b.clientsPruneState[p]
		if !tracked {
			b.clientsPruneState[p] = now
			continue
		}
		if now.Sub(firstSeen) > b.cfg.PruneInterval {
			delete(b.clientsState, p)
			delete(b.clientsPruneState, p)
		}
	}
}

// AssociatedChannels reports the channel ids currently configured for p,
// for tests and introspection.
func (b *Backend) AssociatedChannels(p peerid.Peer) []peerid.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.clientsState[p]
	if !ok {
		return nil
	}
	out := make([]peerid.Channel, 0, len(cs.configuredChannelIDs))
	for id := range cs.configuredChannelIDs {
		out = append(out, id)
	}
	return out
}

// IsKnownPeer reports whether p has ever been observed on a proxied
// connection (spec.md 4.E.4 step 3 "targetPeerId is known to be a proxied peer").
func (b *Backend) IsKnownPeer(p peerid.Peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.clientsState[p]
	return ok
}

func uuidOf(p peerid.Peer) uuid.UUID { return uuid.UUID(p) }
