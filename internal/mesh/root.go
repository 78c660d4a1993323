package mesh

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// rootWorker is the single serialized actor that owns every retained
// publish under Mesh/.../Root/*, per the single-writer design note: nothing
// else in this package touches those topics directly.
type rootWorker struct {
	link   *Link
	logger *zap.Logger

	workCh chan workItem
	stopCh chan struct{}

	mu         sync.Mutex
	running    bool
	epoch      uint32
	lastTable  []MAC
	seenRoots  map[MAC]uint64
	heartbeat  *time.Ticker
	hbStop     chan struct{}
}

type workItem struct {
	eventName string
	table     []MAC
	heartbeat bool
}

func newRootWorker(l *Link) *rootWorker {
	return &rootWorker{
		link:      l,
		logger:    l.logger.With(zap.String("subcomponent", "root")),
		workCh:    make(chan workItem, 8),
		stopCh:    make(chan struct{}),
		seenRoots: make(map[MAC]uint64),
	}
}

func (r *rootWorker) onBecomeRoot(table []MAC) {
	r.mu.Lock()
	r.epoch++
	r.seenRoots = make(map[MAC]uint64)
	r.lastTable = nil
	alreadyRunning := r.running
	r.running = true
	r.mu.Unlock()

	if !alreadyRunning {
		go r.run()
	}
	r.startHeartbeat()
	r.enqueue(workItem{eventName: "ROOT_ELECTED", table: table})
}

func (r *rootWorker) onBecomeFollower() {
	r.stopHeartbeat()
}

func (r *rootWorker) handleTopology(evt TopologyEvent) {
	if evt.Type == TopoRootChange {
		return
	}
	r.enqueue(workItem{eventName: string(evt.Type), table: evt.RoutingTable})
}

func (r *rootWorker) enqueue(item workItem) {
	select {
	case r.workCh <- item:
	default:
		r.logger.Warn("root work queue full, dropping publish", zap.String("event", item.eventName))
	}
}

func (r *rootWorker) startHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.heartbeat != nil {
		return
	}
	r.heartbeat = time.NewTicker(r.link.opts.HeartbeatInterval)
	r.hbStop = make(chan struct{})
	ticker := r.heartbeat
	stop := r.hbStop
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.enqueue(workItem{heartbeat: true})
			}
		}
	}()
}

func (r *rootWorker) stopHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.heartbeat == nil {
		return
	}
	r.heartbeat.Stop()
	close(r.hbStop)
	r.heartbeat = nil
}

func (r *rootWorker) currentTable() []MAC {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MAC, len(r.lastTable))
	copy(out, r.lastTable)
	return out
}

// observeRootCurrent refreshes the seen-root timestamp for a foreign root's
// retained Current pointer, as observed by the bridge's subscription to
// Mesh/<id>/Root/Current/+.
func (r *rootWorker) observeRootCurrent(root MAC, seenAtMs uint64) {
	if root == r.link.opts.Radio.SelfMAC() {
		return
	}
	r.mu.Lock()
	r.seenRoots[root] = seenAtMs
	r.mu.Unlock()
}

func (r *rootWorker) run() {
	for {
		select {
		case <-r.stopCh:
			return
		case item := <-r.workCh:
			r.process(item)
		}
	}
}

func (r *rootWorker) process(item workItem) {
	self := r.link.opts.Radio.SelfMAC()
	meshID := r.link.opts.Radio.MeshID()
	localDev := r.link.opts.LocalDevice

	r.mu.Lock()
	epoch := r.epoch
	table := item.table
	if item.heartbeat {
		table = r.lastTable
	} else {
		sorted := sortMACs(table)
		r.lastTable = sorted
		table = sorted
	}
	r.mu.Unlock()

	nowMs := r.link.nowMs()
	hash := topologyHash(self, epoch, meshID, table)
	eventName := item.eventName
	if item.heartbeat {
		eventName = "HEARTBEAT"
	}

	routeTopic := fmt.Sprintf("%s/%s/Root/%s/RouteTable", r.link.opts.TopicPrefix, meshID.Hex(), self.String())
	currentTopic := fmt.Sprintf("%s/%s/Root/Current/%s", r.link.opts.TopicPrefix, meshID.Hex(), self.String())

	nodes := make([]string, len(table))
	for i, m := range table {
		nodes[i] = m.String()
	}

	routeDoc := map[string]interface{}{
		"event":          eventName,
		"mesh_id":        meshID.Hex(),
		"root_mac":       self.String(),
		"root_dev":       localDev,
		"is_root":        true,
		"root_epoch":     epoch,
		"topology_hash":  fmt.Sprintf("%08x", hash),
		"published_ms":   nowMs,
		"nodes":          nodes,
	}
	currentDoc := map[string]interface{}{
		"mesh_id":       meshID.Hex(),
		"root_mac":      self.String(),
		"root_dev":      localDev,
		"root_epoch":    epoch,
		"is_root":       true,
		"published_ms":  nowMs,
		"node_count":    len(table),
		"topology_hash": fmt.Sprintf("%08x", hash),
	}

	if err := r.publishJSON(routeTopic, routeDoc); err != nil {
		r.logger.Error("publish route table failed", zap.Error(err))
	}
	if err := r.publishJSON(currentTopic, currentDoc); err != nil {
		r.logger.Error("publish current pointer failed", zap.Error(err))
	}

	if !item.heartbeat {
		r.janitor(meshID, self, table)
	} else {
		r.staleSweep(meshID, self, table, nowMs)
	}
}

func (r *rootWorker) publishJSON(topic string, doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.link.opts.Publisher.PublishRetained(topic, data)
}

// janitor clears retained RouteTable/Current topics for every MAC in the
// current tree other than self: former roots that just merged under us.
func (r *rootWorker) janitor(meshID MeshID, self MAC, table []MAC) {
	for _, m := range table {
		if m == self {
			continue
		}
		r.clearRoot(meshID, m)
	}
}

// staleSweep clears retained topics for any previously seen root whose
// Current pointer has gone quiet past StaleTTL and which is no longer part
// of the routing snapshot.
func (r *rootWorker) staleSweep(meshID MeshID, self MAC, table []MAC, nowMs uint64) {
	inTable := make(map[MAC]bool, len(table))
	for _, m := range table {
		inTable[m] = true
	}

	r.mu.Lock()
	stale := make([]MAC, 0)
	ttlMs := uint64(r.link.opts.StaleTTL / time.Millisecond)
	for mac, lastSeen := range r.seenRoots {
		if mac == self || inTable[mac] {
			continue
		}
		if nowMs-lastSeen > ttlMs {
			stale = append(stale, mac)
		}
	}
	for _, mac := range stale {
		delete(r.seenRoots, mac)
	}
	r.mu.Unlock()

	for _, mac := range stale {
		r.clearRoot(meshID, mac)
	}
}

func (r *rootWorker) clearRoot(meshID MeshID, mac MAC) {
	routeTopic := fmt.Sprintf("%s/%s/Root/%s/RouteTable", r.link.opts.TopicPrefix, meshID.Hex(), mac.String())
	currentTopic := fmt.Sprintf("%s/%s/Root/Current/%s", r.link.opts.TopicPrefix, meshID.Hex(), mac.String())
	if err := r.link.opts.Publisher.ClearRetained(routeTopic); err != nil {
		r.logger.Warn("clear retained route table failed", zap.Error(err), zap.String("mac", mac.String()))
	}
	if err := r.link.opts.Publisher.ClearRetained(currentTopic); err != nil {
		r.logger.Warn("clear retained current pointer failed", zap.Error(err), zap.String("mac", mac.String()))
	}
}

func sortMACs(in []MAC) []MAC {
	out := make([]MAC, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < 6; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

// topologyHash fingerprints the root's current routing snapshot:
// CRC32(header || sorted_routing_table) where
// header = [is_root(1) | root_mac(6) | epoch(4) | mesh_id(6)].
// Folding epoch and mesh_id into the header means a new root's first hash
// can never collide with a previous root's final hash over an identical
// table.
func topologyHash(self MAC, epoch uint32, meshID MeshID, sortedTable []MAC) uint32 {
	buf := make([]byte, 0, 1+6+4+6+len(sortedTable)*6)
	buf = append(buf, 1) // is_root is always true; only the root computes this hash
	buf = append(buf, self[:]...)
	epochBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(epochBytes, epoch)
	buf = append(buf, epochBytes...)
	buf = append(buf, meshID[:]...)
	for _, m := range sortedTable {
		buf = append(buf, m[:]...)
	}
	return crc32.ChecksumIEEE(buf)
}
