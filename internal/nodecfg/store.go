package nodecfg

// Store is the narrow interface this package consumes from whatever
// key-value backend actually persists a node's configuration (on real
// hardware, NVS/flash; see internal/nodecfg/filestore for a file-backed
// stand-in used off-target). Get must report ok=false on any value
// mismatch or missing schema-version key, which the caller treats as "no
// persisted copy — use defaults".
type Store interface {
	Get() (Cfg, bool, error)
	PutAll(c Cfg) error
	Erase() error
}
