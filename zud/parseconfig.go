/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ZoneConf is the yaml form of one zone in the zones config file. The
// SOA fields are only used to bootstrap the zone row when the zone is
// not yet in the database; the database is authoritative afterwards.
type ZoneConf struct {
	Name        string
	Mname       string
	Rname       string
	OptionsStrs []string `yaml:"options" mapstructure:"options"`
	UpdateACL   *string  `yaml:"update_acl" mapstructure:"update_acl"`
	XferACL     *string  `yaml:"xfer" mapstructure:"xfer"`
}

type Zconfig struct {
	Zones map[string]ZoneConf
}

var knownZoneOptions = map[string]bool{
	"frozen":        true,
	"allow-updates": true,
}

func ParseConfig(conf *Config, reload bool) error {
	if Globals.Debug {
		log.Printf("Enter ParseConfig")
	}
	cfgfile := conf.Internal.CfgFile
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
	}
	viper.SetConfigFile(cfgfile)

	viper.AutomaticEnv() // read in environment variables that match

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else {
		log.Fatalf("Could not load config %s: Error: %v", cfgfile, err)
	}

	err := viper.Unmarshal(&conf)
	if err != nil {
		log.Fatalf("Error unmarshalling config into struct: %v", err)
	}

	if conf.Service.Verbose != nil {
		Globals.Verbose = *conf.Service.Verbose
	}
	if conf.Service.Debug != nil {
		Globals.Debug = *conf.Service.Debug
	}

	// Read the zone configs from their own yaml file. This kludge is to
	// allow the zones to be a map[string]ZoneConf, with the zone name
	// as the key (which viper doesn't allow).
	zonescfgfile := conf.Internal.ZonesCfgFile
	if zonescfgfile == "" {
		zonescfgfile = ZonesCfgFile
		conf.Internal.ZonesCfgFile = zonescfgfile
	}
	cfgdata, err := os.ReadFile(zonescfgfile)
	if err != nil {
		log.Fatalf("Error from ReadFile: %v", err)
	}

	var zconf Zconfig
	err = yaml.Unmarshal(cfgdata, &zconf)
	if err != nil {
		log.Fatalf("Error from yaml.Unmarshal(Zconfig): %v", err)
	}
	conf.Zones = zconf.Zones

	fmt.Printf("YAML parsed. There are %d zones:", len(conf.Zones))
	for key := range conf.Zones {
		fmt.Printf(" [%s]", key)
	}
	fmt.Println()

	if !reload || conf.Internal.DB == nil {
		dbFile := viper.GetString("db.file")
		if dbFile == "" {
			dbFile = conf.Db.File
		}
		db, err := NewZoneDB(dbFile, false)
		if err != nil {
			log.Fatalf("Error from NewZoneDB: %v", err)
		}
		conf.Internal.DB = db
	}

	ValidateConfig(nil, cfgfile) // will terminate on error

	if Globals.Debug {
		log.Printf("ParseConfig: exit")
	}
	return nil
}

// ParseZones registers each configured zone: the zone row is created
// in the database if missing, and the in-memory registry entry (with
// its writer lock and options) is built or refreshed.
func ParseZones(conf *Config, reload bool) ([]string, error) {
	if Globals.Debug {
		log.Printf("ParseZones: enter")
	}
	var all_zones []string

	db := conf.Internal.DB
	zones := conf.Zones

	for zname, zconf := range zones {
		if zname != dns.Fqdn(zname) {
			delete(zones, zname)
			zname = dns.Fqdn(zname)
			zconf.Name = zname
			zones[zname] = zconf
		}
		zname = CanonicalName(zname)

		options := map[string]bool{}
		for _, option := range zconf.OptionsStrs {
			option = strings.ToLower(option)
			if !knownZoneOptions[option] {
				log.Printf("ParseZones: Zone %s: Unknown option: \"%s\". Ignored.", zname, option)
				continue
			}
			options[option] = true
		}
		// Updates are allowed unless explicitly disabled.
		if _, set := options["allow-updates"]; !set {
			options["allow-updates"] = true
		}

		zr, err := db.GetZone(zname)
		if err != nil {
			log.Printf("ParseZones: Zone %s: database error: %v. Zone ignored.", zname, err)
			continue
		}
		if zr == nil {
			newrow := &ZoneRow{
				SOA: SOA{
					Origin:  zname,
					Mname:   dns.Fqdn(zconf.Mname),
					Rname:   dns.Fqdn(zconf.Rname),
					Serial:  1,
					Refresh: 10800,
					Retry:   3600,
					Expire:  604800,
					Minimum: 3600,
				},
				Enabled: true,
			}
			if zconf.UpdateACL != nil {
				newrow.UpdateACL.Valid = true
				newrow.UpdateACL.String = *zconf.UpdateACL
			}
			if zconf.XferACL != nil {
				newrow.XferACL.Valid = true
				newrow.XferACL.String = *zconf.XferACL
			}
			id, err := db.AddZone(newrow)
			if err != nil {
				log.Printf("ParseZones: Zone %s: failed to create zone row: %v. Zone ignored.", zname, err)
				continue
			}
			newrow.ID = id
			zr = newrow
			log.Printf("ParseZones: Zone %s: created zone row (id %d, serial %d)", zname, id, newrow.SOA.Serial)
		}

		if zd, exists := Zones.Get(zname); exists {
			// Keep the registry entry (and its lock); refresh options.
			zd.Options = options
		} else {
			Zones.Set(zname, &ZoneData{
				ZoneName: zname,
				ZoneID:   zr.ID,
				Logger:   ZoneLogger(zname),
				Options:  options,
			})
		}

		all_zones = append(all_zones, zname)
		log.Printf("ParseZones: zone %s: serial %d, options: %v", zname, zr.SOA.Serial, zconf.OptionsStrs)
	}

	conf.Zones = zones

	if Globals.Debug {
		log.Printf("ParseZones: exit")
	}
	return all_zones, nil
}
