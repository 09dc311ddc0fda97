package identity

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// StaticDirectory serves identity lookups from a YAML snapshot exported from
// ISE/AD. Sites without a live directory connector run on periodic exports;
// Reload swaps the snapshot atomically.
type StaticDirectory struct {
	mu       sync.RWMutex
	devices  map[string]Endpoint
	sessions map[string][]Session
	users    map[string]User
	groups   map[string][]string
}

type directoryFile struct {
	Devices []struct {
		MAC        string `yaml:"mac"`
		DeviceID   string `yaml:"deviceId"`
		DeviceType string `yaml:"deviceType"`
		ISEProfile string `yaml:"iseProfile"`
	} `yaml:"devices"`
	Sessions []struct {
		MAC       string    `yaml:"mac"`
		Username  string    `yaml:"username"`
		StartTime time.Time `yaml:"startTime"`
	} `yaml:"sessions"`
	Users []struct {
		Username string   `yaml:"username"`
		Enabled  bool     `yaml:"enabled"`
		Groups   []string `yaml:"groups"`
	} `yaml:"users"`
}

// NewStaticDirectory returns an empty directory; every lookup misses until a
// snapshot is loaded.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		devices:  make(map[string]Endpoint),
		sessions: make(map[string][]Session),
		users:    make(map[string]User),
		groups:   make(map[string][]string),
	}
}

// LoadDirectory reads a YAML snapshot. A missing file yields an empty
// directory, not an error; enrichment then degrades to behavioral-only.
func LoadDirectory(path string) (*StaticDirectory, error) {
	d := NewStaticDirectory()
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Identity] No directory snapshot at %s, enrichment disabled", path)
			return d, nil
		}
		return nil, err
	}
	if err := d.load(data); err != nil {
		return nil, err
	}
	log.Printf("[Identity] Loaded directory snapshot from %s (%d devices, %d users)",
		path, len(d.devices), len(d.users))
	return d, nil
}

// Reload replaces the snapshot contents from raw YAML.
func (d *StaticDirectory) Reload(data []byte) error {
	return d.load(data)
}

func (d *StaticDirectory) load(data []byte) error {
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	devices := make(map[string]Endpoint, len(file.Devices))
	for _, dev := range file.Devices {
		mac := normalizeMAC(dev.MAC)
		devices[mac] = Endpoint{
			MAC:        mac,
			DeviceID:   dev.DeviceID,
			DeviceType: dev.DeviceType,
			ISEProfile: dev.ISEProfile,
		}
	}
	sessions := make(map[string][]Session, len(file.Sessions))
	for _, s := range file.Sessions {
		mac := normalizeMAC(s.MAC)
		sessions[mac] = append(sessions[mac], Session{
			MAC:       mac,
			Username:  s.Username,
			StartTime: s.StartTime,
		})
	}
	for mac := range sessions {
		list := sessions[mac]
		sort.Slice(list, func(i, j int) bool { return list[i].StartTime.After(list[j].StartTime) })
	}
	users := make(map[string]User, len(file.Users))
	groups := make(map[string][]string, len(file.Users))
	for _, u := range file.Users {
		name := strings.ToLower(u.Username)
		users[name] = User{Username: u.Username, Enabled: u.Enabled}
		groups[name] = append([]string(nil), u.Groups...)
	}

	d.mu.Lock()
	d.devices = devices
	d.sessions = sessions
	d.users = users
	d.groups = groups
	d.mu.Unlock()
	return nil
}

func (d *StaticDirectory) EndpointByMAC(_ context.Context, mac string) (Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.devices[normalizeMAC(mac)]
	return ep, ok
}

// SessionByMAC returns the most recent session for a MAC.
func (d *StaticDirectory) SessionByMAC(_ context.Context, mac string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := d.sessions[normalizeMAC(mac)]
	if len(list) == 0 {
		return Session{}, false
	}
	return list[0], true
}

func (d *StaticDirectory) UserByName(_ context.Context, username string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[strings.ToLower(username)]
	return u, ok
}

func (d *StaticDirectory) GroupsOfUser(_ context.Context, username string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.groups[strings.ToLower(username)]...)
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
