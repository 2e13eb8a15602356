package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "capture":
		return captureTemplate, nil
	case "correlator":
		return correlatorTemplate, nil
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

const captureTemplate = `name = "capturectl"
admin_addr = "127.0.0.1:9200"
cors_origins = ["http://localhost:3000"]
blocks_per_seq = 195312
buffer_depth = 256
late_window = 16
recv_timeout = "100ms"
read_buffer = 8388608

[layout]
beamlets = 61
samples_per_frame = 16
polarizations = 2
bytes_per_sample = 4

[[boards]]
id = 0
source = "udp:0.0.0.0:4346"

[[boards]]
id = 1
source = "udp:0.0.0.0:4347"

[transpose]
cores = 2
wait = "100ms"
lost_after = "1s"
max_blocks = 0

[[transpose.outputs]]
first = 0
count = 30
destinations = ["tcpkey:sb0.core0", "tcpkey:sb0.core1"]

[[transpose.outputs]]
first = 30
count = 30
destinations = ["tcpkey:sb1.core0", "tcpkey:sb1.core1"]

[rendezvous]
nats_url = ""
bucket = "corrstream-rendezvous"
advertise_host = "127.0.0.1"

[retry]
attempts = 10
initial_delay = "100ms"
max_delay = "5s"
`

const correlatorTemplate = `name = "correlatorctl"
admin_addr = "127.0.0.1:9300"
cors_origins = ["http://localhost:3000"]
boards = 2
beamlets = 30
subbands = 2
integration_steps = 4
sink = "file:visibilities.bin"
max_windows = 0

[layout]
beamlets = 61
samples_per_frame = 16
polarizations = 2
bytes_per_sample = 4

[[cores]]
inputs = ["tcpkey:sb0.core0", "tcpkey:sb1.core0"]

[[cores]]
inputs = ["tcpkey:sb0.core1", "tcpkey:sb1.core1"]

[rendezvous]
nats_url = ""
bucket = "corrstream-rendezvous"
advertise_host = "127.0.0.1"

[retry]
attempts = 10
initial_delay = "100ms"
max_delay = "5s"
`
