package discovery

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcd key layout:
//
//	Key:   /avsc/rpc/{protocolFullName}/{addr}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL leases: a crashed server stops renewing and its
// entry expires on its own, so clients never dial ghost instances.

const keyPrefix = "/avsc/rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register advertises ep under a TTL lease and keeps the lease alive in the
// background. The lease id stays local to this call so concurrent
// registrations through one EtcdRegistry cannot race on shared state.
func (r *EtcdRegistry) Register(protocol string, ep Endpoint, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, keyPrefix+protocol+"/"+ep.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain renewal acks so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister withdraws an endpoint.
func (r *EtcdRegistry) Deregister(protocol, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+protocol+"/"+addr)
	return err
}

// Discover lists the endpoints currently advertised for a protocol.
func (r *EtcdRegistry) Discover(protocol string) ([]Endpoint, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+protocol+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // skip malformed entries rather than failing discovery
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-lists the endpoints on every change under the protocol prefix.
func (r *EtcdRegistry) Watch(protocol string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		watchChan := r.client.Watch(context.TODO(), keyPrefix+protocol+"/", clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list; simpler than folding individual events.
			endpoints, err := r.Discover(protocol)
			if err != nil {
				continue
			}
			ch <- endpoints
		}
	}()
	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error { return r.client.Close() }
