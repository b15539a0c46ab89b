/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"log"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DefaultCfgFile = "/etc/zud/zud.yaml"
	ZonesCfgFile   = "/etc/zud/zones.yaml"
)

type Config struct {
	AppName          string
	AppVersion       string
	AppDate          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
	Service          ServiceConf
	DnsEngine        DnsEngineConf
	Apiserver        ApiserverConf
	Update           UpdateConf
	Transfer         TransferConf
	Journal          JournalConf
	Audit            AuditConf
	Zones            map[string]ZoneConf
	Db               DbConf
	Log              struct {
		File string `validate:"required"`
	}
	Internal InternalConf
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   *bool
	Verbose *bool
}

type DnsEngineConf struct {
	Addresses []string `validate:"required"`
}

type ApiserverConf struct {
	Address string `validate:"required"`
	Key     string `validate:"required"`
}

type UpdateConf struct {
	RequireSigned    bool `mapstructure:"require-signed"`
	SerialBumpOnNoop bool `mapstructure:"serial-bump-on-noop"`
	UseRuleTable     bool `mapstructure:"use-rule-table"`
}

type TransferConf struct {
	RequireSigned bool `mapstructure:"require-signed"`
	EnvelopeSize  int  `mapstructure:"envelope-size"`
}

type JournalConf struct {
	MaxAge        string `mapstructure:"max-age"`       // duration, "0" disables
	MaxSerials    int    `mapstructure:"max-serials"`   // 0 disables
	PruneInterval string `mapstructure:"prune-interval"`
}

type AuditConf struct {
	Update   *bool
	Transfer *bool
	Notify   *bool
}

type DbConf struct {
	File string `validate:"required"`
}

type InternalConf struct {
	CfgFile      string
	ZonesCfgFile string
	DB           *ZoneDB
	Xfr          *XfrResponder
	Pipeline     *UpdatePipeline
	Audit        *AuditLogger
	APIStopCh    chan struct{}
	PrunerStopCh chan struct{}
	DnsUpdateQ   chan DnsUpdateRequest
	DnsNotifyQ   chan DnsNotifyRequest
}

// Retention translates the journal config into the pruner's terms.
func (jc *JournalConf) Retention() JournalRetention {
	var ret JournalRetention
	if jc.MaxAge != "" && jc.MaxAge != "0" {
		d, err := time.ParseDuration(jc.MaxAge)
		if err != nil {
			log.Printf("Config: bad journal max-age %q: %v. Age bound disabled.", jc.MaxAge, err)
		} else {
			ret.MaxAge = d
		}
	}
	ret.MaxSerials = jc.MaxSerials
	return ret
}

func (jc *JournalConf) PruneEvery() time.Duration {
	if jc.PruneInterval == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(jc.PruneInterval)
	if err != nil {
		log.Printf("Config: bad journal prune-interval %q: %v. Using 1h.", jc.PruneInterval, err)
		return time.Hour
	}
	return d
}

// AuditToggles maps the audit config onto operation classes. An unset
// toggle defaults to on; auditing is opt-out.
func (ac *AuditConf) AuditToggles() map[OpClass]bool {
	on := func(p *bool) bool { return p == nil || *p }
	return map[OpClass]bool{
		OpUpdate:   on(ac.Update),
		OpTransfer: on(ac.Transfer),
		OpNotify:   on(ac.Notify),
	}
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)

	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["db"] = config.Db
	configsections["apiserver"] = config.Apiserver

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		log.Fatalf("Config \"%s\" is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		log.Printf("%s: Validating config for %s section\n", strings.ToUpper(config.AppName), k)
		if err := validate.Struct(data); err != nil {
			log.Fatalf("%s: Config %s, section %s: missing required attributes:\n%v\n",
				strings.ToUpper(config.AppName), cfgfile, k, err)
		}
	}
	return nil
}

func (conf *Config) ReloadConfig() (string, error) {
	err := ParseConfig(conf, true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("Error parsing config: %v", err)
	}
	conf.ServerConfigTime = time.Now()
	return "Config reloaded.", err
}

func (conf *Config) ReloadZoneConfig() (string, error) {
	prezones := Zones.Keys()
	log.Printf("ReloadZoneConfig: zones prior to reloading: %v", prezones)
	zonelist, err := ParseZones(conf, true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("ReloadZoneConfig: Error parsing zones: %v", err)
	}

	for _, zname := range prezones {
		if !slices.Contains(zonelist, zname) {
			log.Printf("ReloadZoneConfig: Zone %s no longer in config. Removing from zone list.", zname)
			Zones.Remove(zname)
		}
	}

	log.Printf("ReloadZoneConfig: zones after reloading: %v", zonelist)
	conf.ServerConfigTime = time.Now()
	return "Zones reloaded.", err
}
