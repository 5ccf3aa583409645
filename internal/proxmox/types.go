package proxmox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// envelope is the wrapper of every Proxmox VE API response.
type envelope[T any] struct {
	Data T `json:"data"`
}

// flexInt accepts both JSON numbers and numeric strings; PVE is not
// consistent about VMIDs across endpoints and versions.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", string(b), err)
	}
	*f = flexInt(n)
	return nil
}

// flexBool accepts 0/1, "0"/"1" and true/false.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch string(bytes.Trim(b, `"`)) {
	case "1", "true":
		*f = true
	case "0", "false", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %q", string(b))
	}
	return nil
}

// guest is one row of /nodes/{node}/qemu or /nodes/{node}/lxc.
type guest struct {
	VMID     flexInt  `json:"vmid"`
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Template flexBool `json:"template"`
}

// agentInterfaces is the payload of .../agent/network-get-interfaces.
type agentInterfaces struct {
	Result []agentInterface `json:"result"`
}

type agentInterface struct {
	Name            string           `json:"name"`
	HardwareAddress string           `json:"hardware-address"`
	IPAddresses     []agentIPAddress `json:"ip-addresses"`
}

type agentIPAddress struct {
	Address string `json:"ip-address"`
	Type    string `json:"ip-address-type"`
	Prefix  int    `json:"prefix"`
}

// lxcInterface is one row of /nodes/{node}/lxc/{vmid}/interfaces.
type lxcInterface struct {
	Name        string           `json:"name"`
	HWAddr      string           `json:"hwaddr"`
	Inet        string           `json:"inet"`
	Inet6       string           `json:"inet6"`
	IPAddresses []agentIPAddress `json:"ip-addresses"`
}

// vmConfig holds the raw guest configuration; only ipconfigN keys are read.
type vmConfig map[string]json.RawMessage
