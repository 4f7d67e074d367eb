package provider

// KVStoreAdapter backs the key-value store provider. The store façade itself
// is outside the core; the adapter exists so kvstore providers can be
// auto-created and referenced by workflows without setup steps. It declares
// no trigger types and inherits every default.
type KVStoreAdapter struct{ BaseAdapter }

func init() {
	Register(&KVStoreAdapter{})
}

var _ Adapter = (*KVStoreAdapter)(nil)

func (k *KVStoreAdapter) Name() string        { return "kvstore" }
func (k *KVStoreAdapter) DisplayName() string { return "Key-Value Store" }
func (k *KVStoreAdapter) HasSetupSteps() bool { return false }

func (k *KVStoreAdapter) TriggerTypes() []string { return nil }
