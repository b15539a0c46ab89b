/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zud

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

func WalkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s\n", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for m := range methods {
			log.Printf("%-6s %s\n", methods[m], path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Panicf("Logging err: %s\n", err.Error())
	}
}

func SetupAPIRouter(conf *Config) (*mux.Router, error) {
	r := mux.NewRouter().StrictSlash(true)
	apikey := conf.Apiserver.Key
	if apikey == "" {
		return nil, fmt.Errorf("apiserver.key is not set")
	}

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()

	sr.HandleFunc("/ping", APIping(conf)).Methods("POST")
	sr.HandleFunc("/command", APIcommand(conf)).Methods("POST")
	sr.HandleFunc("/config", APIconfig(conf)).Methods("POST")
	sr.HandleFunc("/zone", APIzone(conf)).Methods("POST")
	sr.HandleFunc("/journal", APIjournal(conf)).Methods("POST")
	sr.HandleFunc("/keystore", APIkeystore(conf)).Methods("POST")
	sr.HandleFunc("/audit", APIaudit(conf)).Methods("POST")
	sr.HandleFunc("/debug", APIdebug(conf)).Methods("POST")

	return r, nil
}

func APIdispatcher(conf *Config, router *mux.Router, done <-chan struct{}) error {
	address := conf.Apiserver.Address
	if address == "" {
		log.Println("APIdispatcher: no address to listen on (key 'apiserver.address' not set). Not starting.")
		return fmt.Errorf("no address to listen on")
	}

	WalkRoutes(router, address)
	log.Println("")

	srv := &http.Server{
		Addr:    address,
		Handler: router,
	}

	go func() {
		log.Printf("Starting API dispatcher. Listening on '%s'\n", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()

	go func() {
		<-done
		log.Println("Shutting down API server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Printf("API server Shutdown: %v", err)
		}
	}()

	return nil
}
