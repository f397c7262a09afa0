// Package registry handles cmd/spaced's Consul service registration/discovery and a
// Consul KV-backed implementation of space.Directory. Grounded on the teacher's
// consul.go idiom (api.Client, AgentServiceRegistration with an HTTP health check,
// Health().Service/WatchServices long-poll discovery), renamed from the chat
// application's "chat-server" service name to "spaced".
package registry

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/keymanager"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/wire"
)

const serviceName = "spaced"
const directoryKeyPrefix = "spacecore/directory/"

// ConsulRegistry handles service registration with Consul.
type ConsulRegistry struct {
	client     *api.Client
	serviceID  string
	serverID   string
	serverPort int
}

// NewConsulRegistry creates a new Consul registry.
func NewConsulRegistry(addr, serverID, serverPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		log.Printf("Warning: Failed to parse server port, using default 8080: %v", err)
		port = 8080
	}

	return &ConsulRegistry{
		client:     client,
		serviceID:  serverID,
		serverID:   serverID,
		serverPort: port,
	}, nil
}

// Client returns the underlying Consul API client, so cmd/spaced can build a
// ConsulDirectory against the same connection without dialing twice.
func (c *ConsulRegistry) Client() *api.Client {
	return c.client
}

// Register registers this instance with Consul.
func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: Failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    serviceName,
		Port:    c.serverPort,
		Address: hostname,
		Tags:    []string{"spacecore", "websocket"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"server_id": c.serverID,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}

	log.Printf("registered with consul: %s", c.serviceID)
	return nil
}

// Deregister removes this instance from Consul.
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}

	log.Printf("deregistered from consul: %s", c.serviceID)
	return nil
}

// GetHealthyServers returns the service IDs of all healthy spaced instances.
func (c *ConsulRegistry) GetHealthyServers() ([]string, error) {
	services, _, err := c.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	servers := make([]string, 0, len(services))
	for _, service := range services {
		servers = append(servers, service.Service.ID)
	}
	return servers, nil
}

// WatchServices long-polls Consul for changes in the set of healthy spaced instances and
// invokes callback whenever the set changes. Intended to run in its own goroutine.
func (c *ConsulRegistry) WatchServices(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := c.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("Error watching Consul services: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex != lastIndex {
			lastIndex = meta.LastIndex

			servers := make([]string, 0, len(services))
			for _, service := range services {
				servers = append(servers, service.Service.ID)
			}
			callback(servers)
		}
	}
}

// ConsulDirectory implements space.Directory (Bundle(member identity.ID)
// (keymanager.Bundle, error)) against Consul's KV store, so any cmd/spaced instance can
// resolve a peer's published pre-key bundle regardless of which instance that peer's
// client is connected to. Values are stored in the spec §6 PreKeyBundleWire encoding
// (internal/wire), not gob, so a bundle published by one instance and fetched by another
// is carried in the same wire format the spec names, with its lifetime verified on fetch.
type ConsulDirectory struct {
	client *api.Client
}

// NewConsulDirectory wraps an already-connected Consul client.
func NewConsulDirectory(client *api.Client) *ConsulDirectory {
	return &ConsulDirectory{client: client}
}

func directoryKey(member identity.ID) string {
	return directoryKeyPrefix + hex.EncodeToString(member[:])
}

// PublishBundle stores member's bundle so other instances' Bundle calls can resolve it.
func (d *ConsulDirectory) PublishBundle(member identity.ID, bundle keymanager.Bundle) error {
	_, err := d.client.KV().Put(&api.KVPair{
		Key:   directoryKey(member),
		Value: wire.EncodePreKeyBundle(bundle.ToWire()),
	}, nil)
	if err != nil {
		return spaceerr.Wrap(spaceerr.KindStorageFailure, "publish bundle to consul kv", err)
	}
	return nil
}

// Bundle implements space.Directory. The returned bundle's lifetime has not yet been
// checked; callers verify it via keymanager.VerifyBundle before use (spec §3).
func (d *ConsulDirectory) Bundle(member identity.ID) (keymanager.Bundle, error) {
	pair, _, err := d.client.KV().Get(directoryKey(member), nil)
	if err != nil {
		return keymanager.Bundle{}, spaceerr.Wrap(spaceerr.KindStorageFailure, "fetch bundle from consul kv", err)
	}
	if pair == nil {
		return keymanager.Bundle{}, spaceerr.New(spaceerr.KindInvalidBundle, "no published bundle for member")
	}

	w, err := wire.DecodePreKeyBundle(pair.Value)
	if err != nil {
		return keymanager.Bundle{}, spaceerr.Wrap(spaceerr.KindStorageFailure, "decode bundle", err)
	}
	return keymanager.BundleFromWire(w), nil
}
