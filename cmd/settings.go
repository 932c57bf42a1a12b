package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/flightdesk/flightsync/internal/utils"
	"github.com/flightdesk/flightsync/pkg/portal"
	"github.com/flightdesk/flightsync/pkg/rtdb"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/syncer"
	"github.com/spf13/viper"
)

// Settings is the resolved configuration. Durations in the settings
// document are milliseconds.
type Settings struct {
	Portal       portal.Options
	Sources      []portal.Source
	Remote       rtdb.Config
	Sync         syncer.Config
	Batch        bool
	BatchSize    int
	Interval     time.Duration
	RunOnStart   bool
	Status       status.PublisherConfig
	DBPath       string
	Retention    time.Duration
	ServerListen string
	ServerUser   string
	ServerPass   string
}

var defaultSources = []map[string]interface{}{
	{"name": "departures-int", "config": "configs/FREE/departure_all_int.cfg", "category": "Departure", "subcategory": "INT"},
	{"name": "departures-dom", "config": "configs/FREE/departure_all_dom.cfg", "category": "Departure", "subcategory": "DOM"},
	{"name": "checkin", "config": "configs/FREE/checkin.cfg", "category": "CheckIn", "subcategory": ""},
	{"name": "arrivals-int", "config": "configs/FREE/arrival_all_int.cfg", "category": "Arrival", "subcategory": "INT"},
	{"name": "arrivals-dom", "config": "configs/FREE/arrival_all_dom.cfg", "category": "Arrival", "subcategory": "DOM"},
}

func setDefaults(v *viper.Viper) {
	d := syncer.DefaultConfig()

	v.SetDefault("portal.url", portal.DefaultURL)
	v.SetDefault("portal.timeout", portal.DefaultTimeout.Milliseconds())
	v.SetDefault("portal.page_delay", portal.DefaultPageDelay.Milliseconds())
	v.SetDefault("portal.max_pages", portal.DefaultMaxPages)
	v.SetDefault("portal.user_agent", "")
	v.SetDefault("portal.sources", defaultSources)

	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.database_url", "")
	v.SetDefault("remote.email", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.city", "Islamabad")
	v.SetDefault("remote.root", "")

	v.SetDefault("sync.initial_timeout", d.InitialTimeout.Milliseconds())
	v.SetDefault("sync.max_timeout", d.MaxTimeout.Milliseconds())
	v.SetDefault("sync.timeout_step", d.TimeoutStep.Milliseconds())
	v.SetDefault("sync.decay_step", d.DecayStep.Milliseconds())
	v.SetDefault("sync.max_consecutive_timeouts", d.MaxConsecutiveTimeouts)
	v.SetDefault("sync.reconnect_cooldown", d.ReconnectCooldown.Milliseconds())
	v.SetDefault("sync.ready_timeout", d.ReadyTimeout.Milliseconds())
	v.SetDefault("sync.reset_ready_timeout", d.ResetReadyTimeout.Milliseconds())
	v.SetDefault("sync.batch", true)
	v.SetDefault("sync.batch_size", 0)

	v.SetDefault("schedule.interval", int64(300000))
	v.SetDefault("schedule.run_on_start", true)

	v.SetDefault("status.event_path", status.DefaultEventPath)
	v.SetDefault("status.update_key", status.DefaultUpdateKey)
	v.SetDefault("status.timezone", status.DefaultTimezone)

	v.SetDefault("db.path", "")
	v.SetDefault("db.retention_hours", 72)

	v.SetDefault("server.listen", "")
	v.SetDefault("server.username", "")
	v.SetDefault("server.password", "")
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// loadSettings reads every key the commands need. proxy applies to both
// the portal and the remote store.
func loadSettings(v *viper.Viper, proxy string) (*Settings, error) {
	s := &Settings{
		Portal: portal.Options{
			URL:       v.GetString("portal.url"),
			Timeout:   millis(v, "portal.timeout"),
			PageDelay: millis(v, "portal.page_delay"),
			MaxPages:  v.GetInt("portal.max_pages"),
			UserAgent: v.GetString("portal.user_agent"),
			Proxy:     proxy,
		},
		Remote: rtdb.Config{
			APIKey:      v.GetString("remote.api_key"),
			DatabaseURL: strings.TrimRight(v.GetString("remote.database_url"), "/"),
			Email:       v.GetString("remote.email"),
			Password:    v.GetString("remote.password"),
			Proxy:       proxy,
		},
		Sync: syncer.Config{
			Root:                   v.GetString("remote.root"),
			InitialTimeout:         millis(v, "sync.initial_timeout"),
			MaxTimeout:             millis(v, "sync.max_timeout"),
			TimeoutStep:            millis(v, "sync.timeout_step"),
			DecayStep:              millis(v, "sync.decay_step"),
			MaxConsecutiveTimeouts: v.GetInt("sync.max_consecutive_timeouts"),
			ReconnectCooldown:      millis(v, "sync.reconnect_cooldown"),
			ReadyTimeout:           millis(v, "sync.ready_timeout"),
			ResetReadyTimeout:      millis(v, "sync.reset_ready_timeout"),
		},
		Batch:      v.GetBool("sync.batch"),
		BatchSize:  v.GetInt("sync.batch_size"),
		Interval:   millis(v, "schedule.interval"),
		RunOnStart: v.GetBool("schedule.run_on_start"),
		Status: status.PublisherConfig{
			EventPath: v.GetString("status.event_path"),
			UpdateKey: v.GetString("status.update_key"),
			Timezone:  v.GetString("status.timezone"),
		},
		DBPath:       v.GetString("db.path"),
		Retention:    time.Duration(v.GetInt64("db.retention_hours")) * time.Hour,
		ServerListen: v.GetString("server.listen"),
		ServerUser:   v.GetString("server.username"),
		ServerPass:   v.GetString("server.password"),
	}

	if s.Sync.Root == "" {
		city := strings.Trim(v.GetString("remote.city"), "/ ")
		if city == "" {
			return nil, fmt.Errorf("remote.city or remote.root must be set")
		}
		s.Sync.Root = "/flights/" + city
	}
	if s.Interval <= 0 {
		return nil, fmt.Errorf("schedule.interval must be positive")
	}

	if err := v.UnmarshalKey("portal.sources", &s.Sources); err != nil {
		return nil, fmt.Errorf("invalid portal.sources: %w", err)
	}
	if len(s.Sources) == 0 {
		return nil, fmt.Errorf("no portal.sources configured")
	}
	for _, src := range s.Sources {
		if src.Config == "" || src.Category == "" {
			return nil, fmt.Errorf("portal source %q needs config and category", src.String())
		}
	}
	return s, nil
}

// newRemote builds the Firebase client and the sync engine in front of it.
func newRemote(s *Settings) (*rtdb.Client, *syncer.Engine, error) {
	client, err := rtdb.New(s.Remote)
	if err != nil {
		return nil, nil, fmt.Errorf("remote store: %w", err)
	}
	return client, syncer.New(client, s.Sync, utils.Log), nil
}
