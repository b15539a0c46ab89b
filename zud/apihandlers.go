/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gookit/goutil/dump"
	"github.com/mitchellh/mapstructure"
)

type PingPost struct {
	Msg   string
	Pings int
}

type PingResponse struct {
	Time     time.Time
	BootTime time.Time
	Msg      string
	Pings    int
	Pongs    int
}

type CommandPost struct {
	Command string
}

type CommandResponse struct {
	Time     time.Time
	AppName  string
	Status   string
	Msg      string
	Error    bool
	ErrorMsg string
}

type ConfigPost struct {
	Command string
}

type ConfigResponse struct {
	Time     time.Time
	AppName  string
	Msg      string
	Error    bool
	ErrorMsg string
}

type ZonePost struct {
	Command string
	Zone    string
}

type ZoneStatus struct {
	Zone    string
	Serial  uint32
	Enabled bool
	Options map[string]bool
}

type ZoneResponse struct {
	Time     time.Time
	Zones    []ZoneStatus
	Msg      string
	Error    bool
	ErrorMsg string
}

type JournalPost struct {
	Command    string
	Zone       string
	FromSerial uint32 `mapstructure:"from_serial"`
	ToSerial   uint32 `mapstructure:"to_serial"`
}

type JournalStepInfo struct {
	FromSerial uint32
	ToSerial   uint32
	Added      []string
	Deleted    []string
}

type JournalResponse struct {
	Time     time.Time
	Steps    []JournalStepInfo
	Pruned   int64
	Msg      string
	Error    bool
	ErrorMsg string
}

type KeystorePost struct {
	Command   string
	Name      string
	Algorithm string
	Secret    string
}

type KeystoreResponse struct {
	Time     time.Time
	Msg      string
	Error    bool
	ErrorMsg string
}

type AuditPost struct {
	Zone  string
	Limit int
}

type AuditResponse struct {
	Time     time.Time
	Records  []AuditRecord
	Error    bool
	ErrorMsg string
}

type DebugPost struct {
	Command string
	Zone    string
}

type DebugResponse struct {
	Time     time.Time
	Status   string
	Msg      string
	Error    bool
	ErrorMsg string
}

var pongs int = 0

func APIping(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var pp PingPost
		err := decoder.Decode(&pp)
		if err != nil {
			log.Println("APIping: error decoding ping post:", err)
		}

		log.Printf("API: received /ping request (ping %d) from %s.\n", pp.Pings, r.RemoteAddr)
		pongs++

		resp := PingResponse{
			Time:     time.Now(),
			BootTime: conf.ServerBootTime,
			Msg:      fmt.Sprintf("%s pong", conf.AppName),
			Pings:    pp.Pings,
			Pongs:    pongs,
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIcommand(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		stopCh := conf.Internal.APIStopCh

		decoder := json.NewDecoder(r.Body)
		var cp CommandPost
		err := decoder.Decode(&cp)
		if err != nil {
			log.Println("APIcommand: error decoding command post:", err)
		}

		log.Printf("API: received /command request (cmd: %s) from %s.\n", cp.Command, r.RemoteAddr)

		resp := CommandResponse{
			Time:    time.Now(),
			AppName: conf.AppName,
		}

		switch cp.Command {
		case "status":
			resp.Status = "ok" // only status we know, so far
			resp.Msg = fmt.Sprintf("%s: %d zones, booted %s", conf.AppName,
				Zones.Count(), conf.ServerBootTime.Format(time.RFC3339))

		case "stop":
			log.Printf("Daemon instructed to stop\n")
			resp.Status = "stopping"
			resp.Msg = fmt.Sprintf("%s: Daemon was happy, but now winding down", conf.AppName)

			go func() {
				// Allow the HTTP response to be sent before triggering shutdown
				time.Sleep(200 * time.Millisecond)
				close(stopCh)
			}()

		default:
			resp.ErrorMsg = fmt.Sprintf("%s: Unknown command: %s", conf.AppName, cp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIconfig(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var cp ConfigPost
		err := decoder.Decode(&cp)
		if err != nil {
			log.Println("APIconfig: error decoding config post:", err)
		}

		log.Printf("API: received /config request (cmd: %s) from %s.\n", cp.Command, r.RemoteAddr)

		resp := ConfigResponse{
			AppName: conf.AppName,
			Time:    time.Now(),
		}

		switch cp.Command {
		case "reload":
			log.Printf("APIconfig: reloading configuration")
			resp.Msg, err = conf.ReloadConfig()
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		case "reload-zones":
			log.Printf("APIconfig: reloading zone configuration")
			resp.Msg, err = conf.ReloadZoneConfig()
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown config command: %s", cp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIzone(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	db := conf.Internal.DB

	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var zp ZonePost
		err := decoder.Decode(&zp)
		if err != nil {
			log.Println("APIzone: error decoding zone post:", err)
		}

		log.Printf("API: received /zone request (cmd: %s zone: %s) from %s.\n",
			zp.Command, zp.Zone, r.RemoteAddr)

		resp := ZoneResponse{Time: time.Now()}

		zoneStatus := func(zname string) (*ZoneStatus, error) {
			zd, ok := Zones.Get(zname)
			if !ok {
				return nil, fmt.Errorf("zone %s is unknown", zname)
			}
			zr, err := db.GetZone(zname)
			if err != nil || zr == nil {
				return nil, fmt.Errorf("zone %s: no zone row", zname)
			}
			return &ZoneStatus{
				Zone:    zname,
				Serial:  zr.SOA.Serial,
				Enabled: zr.Enabled,
				Options: zd.Options,
			}, nil
		}

		switch zp.Command {
		case "list":
			for _, zname := range Zones.Keys() {
				zs, err := zoneStatus(zname)
				if err != nil {
					continue
				}
				resp.Zones = append(resp.Zones, *zs)
			}

		case "status":
			zs, err := zoneStatus(CanonicalName(zp.Zone))
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				break
			}
			resp.Zones = append(resp.Zones, *zs)

		case "freeze", "thaw":
			zname := CanonicalName(zp.Zone)
			zd, ok := Zones.Get(zname)
			if !ok {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("zone %s is unknown", zname)
				break
			}
			zd.Lock()
			zd.Options["frozen"] = zp.Command == "freeze"
			zd.Unlock()
			resp.Msg = fmt.Sprintf("Zone %s is now %sfrozen", zname,
				map[bool]string{true: "", false: "un"}[zp.Command == "freeze"])

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown zone command: %s", zp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIjournal(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	db := conf.Internal.DB

	return func(w http.ResponseWriter, r *http.Request) {

		// CLI tools tend to send serials as strings; decode through
		// mapstructure with weak typing to accept both forms.
		var raw map[string]interface{}
		err := json.NewDecoder(r.Body).Decode(&raw)
		if err != nil {
			log.Println("APIjournal: error decoding journal post:", err)
		}
		var jp JournalPost
		md, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &jp,
		})
		if err == nil {
			err = md.Decode(raw)
		}
		if err != nil {
			log.Println("APIjournal: error decoding journal post:", err)
		}

		log.Printf("API: received /journal request (cmd: %s zone: %s) from %s.\n",
			jp.Command, jp.Zone, r.RemoteAddr)

		resp := JournalResponse{Time: time.Now()}

		zname := CanonicalName(jp.Zone)
		zr, err := db.GetZone(zname)
		if err != nil || zr == nil {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("zone %s is unknown", zname)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
			return
		}

		switch jp.Command {
		case "diff":
			to := jp.ToSerial
			if to == 0 {
				to = zr.SOA.Serial
			}
			steps, err := db.JournalDiff(zr.ID, jp.FromSerial, to)
			if err == ErrJournalGap {
				resp.Msg = fmt.Sprintf("no journal path from serial %d to %d (pruned); a transfer would fall back to AXFR",
					jp.FromSerial, to)
				break
			}
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				break
			}
			for _, step := range steps {
				info := JournalStepInfo{FromSerial: step.FromSerial, ToSerial: step.ToSerial}
				for i := range step.Entries {
					e := &step.Entries[i]
					line := fmt.Sprintf("%s %d %s %s", e.Name, e.TTL, e.Rtype, e.Data)
					if e.Change == ChangeDelete {
						info.Deleted = append(info.Deleted, line)
					} else {
						info.Added = append(info.Added, line)
					}
				}
				resp.Steps = append(resp.Steps, info)
			}

		case "prune":
			n, err := db.PruneJournal(zr.ID, conf.Journal.Retention())
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				break
			}
			resp.Pruned = n
			resp.Msg = fmt.Sprintf("zone %s: pruned %d journal entries", zname, n)

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown journal command: %s", jp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIkeystore(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	db := conf.Internal.DB

	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var kp KeystorePost
		err := decoder.Decode(&kp)
		if err != nil {
			log.Println("APIkeystore: error decoding keystore post:", err)
		}

		log.Printf("API: received /keystore request (cmd: %s key: %s) from %s.\n",
			kp.Command, kp.Name, r.RemoteAddr)

		resp := KeystoreResponse{Time: time.Now()}

		switch kp.Command {
		case "add":
			secret, err := base64.StdEncoding.DecodeString(kp.Secret)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("secret is not valid base64: %v", err)
				break
			}
			err = db.AddTsigKey(kp.Name, kp.Algorithm, secret)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				break
			}
			resp.Msg = fmt.Sprintf("key %s added", CanonicalName(kp.Name))

		case "disable":
			err := db.DisableTsigKey(kp.Name)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				break
			}
			resp.Msg = fmt.Sprintf("key %s disabled", CanonicalName(kp.Name))

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown keystore command: %s", kp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIaudit(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	audit := conf.Internal.Audit

	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var ap AuditPost
		err := decoder.Decode(&ap)
		if err != nil {
			log.Println("APIaudit: error decoding audit post:", err)
		}

		log.Printf("API: received /audit request (zone: %s) from %s.\n", ap.Zone, r.RemoteAddr)

		resp := AuditResponse{Time: time.Now()}

		records, err := audit.RecentAuditRecords(ap.Zone, ap.Limit)
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
		} else {
			resp.Records = records
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIdebug(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		resp := DebugResponse{
			Time:   time.Now(),
			Status: "ok", // only status we know, so far
			Msg:    "We're happy, but send more cookies",
		}

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			err := json.NewEncoder(w).Encode(resp)
			if err != nil {
				log.Printf("Error from json encoder: %v", err)
			}
		}()

		decoder := json.NewDecoder(r.Body)
		var dp DebugPost
		err := decoder.Decode(&dp)
		if err != nil {
			log.Println("APIdebug: error decoding debug post:", err)
		}

		log.Printf("API: received /debug request (cmd: %s) from %s.\n", dp.Command, r.RemoteAddr)

		switch dp.Command {
		case "zonedata":
			if zd, ok := Zones.Get(CanonicalName(dp.Zone)); ok {
				dump.P(zd)
				resp.Msg = fmt.Sprintf("zone %s registry entry dumped to log", zd.ZoneName)
			} else {
				resp.Msg = fmt.Sprintf("Zone %s is unknown", dp.Zone)
			}

		case "zones":
			dump.P(Zones.Keys())
			resp.Msg = fmt.Sprintf("%d zones dumped to log", Zones.Count())

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown debug command: %s", dp.Command)
			resp.Error = true
		}
	}
}
