package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "controller":
		return controllerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `id = "node.local"
segment = "default"
kinds = ["submission", "delivery", "relay", "admin"]
capacity = 10000
backend_url = "http://127.0.0.1:9500"
addr = ":9500"
admin_addr = "127.0.0.1:9501"
admin_token = "change-me-node"
controller_addr = "127.0.0.1:9400"
controller_admin_addr = "127.0.0.1:9401"
controller_token = "change-me-controller"
rpc_timeout = "5s"
rpc_pool_size = 8
idle_threshold = "10m"
sweep_interval = "60s"
dev_identity_header = true
cors_origins = ["http://localhost:3000"]

# [tls]
# cert_file = "certs/node.crt"
# key_file = "certs/node.key"
# client_ca_file = "certs/clients-ca.crt"

[transactions]
default_timeout = "300s"
min_timeout = "1s"
max_timeout = "3600s"

[relay]
workers = 4
queue_size = 256
cache_size = 1024
cache_ttl = "10m"
timeout = "10s"

[relay.routes]
"globex.com" = "http://127.0.0.1:9600"

[link]
heartbeat_interval = "5s"
read_timeout = "15s"

[store]
driver = "memory"

[[store.zones]]
id = 1
apex = "ex.net"
partition = "p1"

[[store.domains]]
id = 2
zone_id = 1
name = "acme.com"

[[store.addresses]]
id = 3
domain_id = 2
local_name = "alice"

[[store.channels]]
id = 9
zone_id = 1
service = "invoices"
open = true
flow_open = true
quota_bytes = -1
scheme_algorithm = "blake2b-256"
scheme_key = "Y2hhbm5lbC1zZWNyZXQ="
origin = { domain = "acme.com", local = "alice" }
destination = { domain = "globex.com" }
`

const controllerTemplate = `id = "controller.local"
addr = ":9400"
admin_addr = "127.0.0.1:9401"
admin_token = "change-me-controller"
node_token = "change-me-node"
node_rpc_timeout = "5s"

[link]
heartbeat_interval = "5s"
read_timeout = "15s"
`
