// Package artifact fetches the remote binaries the deployer needs (recovery
// image, UEFI payload, stock partition images) into a local cache, verifying
// each against the MD5 the remote reports at fetch time.
package artifact

import (
	"net/url"
	"path"
	"strings"
)

// Artifact is a named remote binary.
type Artifact struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// RemotePath returns the URL path used as the key for checksum lookups.
func (a Artifact) RemotePath() string {
	u, err := url.Parse(a.URL)
	if err != nil {
		return a.URL
	}
	return u.Path
}

// New builds an artifact whose name is the last URL path element.
func New(rawURL string) Artifact {
	return Artifact{Name: path.Base(strings.TrimRight(rawURL, "/")), URL: rawURL}
}

// Manifest lists every artifact a full provisioning run uses.
type Manifest struct {
	Recovery     Artifact `yaml:"recovery" json:"recovery"`
	UEFIPayload  Artifact `yaml:"uefi_payload" json:"uefi_payload"`
	BootShim     Artifact `yaml:"boot_shim" json:"boot_shim"`
	PartitionGPT Artifact `yaml:"partition_gpt" json:"partition_gpt"`
	UserdataImg  Artifact `yaml:"userdata" json:"userdata"`
}

const sharePath = "/share/nabu/deployer/"

// DefaultManifest returns the stock artifact set hosted under baseURL.
func DefaultManifest(baseURL string) Manifest {
	base := strings.TrimRight(baseURL, "/") + sharePath
	return Manifest{
		Recovery:     New(base + "orangefox.img"),
		UEFIPayload:  New(base + "uefi/nabu_UEFI.fd"),
		BootShim:     New(base + "uefi/BootShim.Dualboot.bin"),
		PartitionGPT: New(base + "gpt_both0.bin"),
		UserdataImg:  New(base + "userdata.img"),
	}
}

// All returns the manifest entries in fetch order.
func (m Manifest) All() []Artifact {
	return []Artifact{m.Recovery, m.UEFIPayload, m.BootShim, m.PartitionGPT, m.UserdataImg}
}

// Lookup finds a manifest entry by name.
func (m Manifest) Lookup(name string) (Artifact, bool) {
	for _, a := range m.All() {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}
