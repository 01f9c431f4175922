// Command clusterd runs the cluster core as a standalone daemon: it joins
// the mesh, replicates dynamic objects, delegates checker assignments, and
// accepts check results, exposing metrics and a read-only introspection API
// for clusterctl. Grounded on the teacher's cmd/*/main.go pattern (flag.NewFlagSet
// + pkg/flags.ConfigureAndParse, logrus-only logging, a blocking signal wait
// before a graceful shutdown).
package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Icinga/icinga2-sub010/internal/cluster/checkresult"
	"github.com/Icinga/icinga2-sub010/internal/cluster/delegation"
	"github.com/Icinga/icinga2-sub010/internal/cluster/discovery"
	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/cluster/httpapi"
	"github.com/Icinga/icinga2-sub010/internal/cluster/objectstore"
	"github.com/Icinga/icinga2-sub010/internal/cluster/replication"
	"github.com/Icinga/icinga2-sub010/internal/config"
	"github.com/Icinga/icinga2-sub010/internal/transport"
	"github.com/Icinga/icinga2-sub010/pkg/admin"
	"github.com/Icinga/icinga2-sub010/pkg/flags"
)

const (
	serviceType = "Service"
	checkerAttr = "checker"
)

func main() {
	fs := flag.NewFlagSet("clusterd", flag.ExitOnError)
	configPath := fs.String("config", "/etc/clusterd/config.yaml", "path to the cluster config file")
	listenAddr := fs.String("listen", ":5665", "address to accept peer connections on")
	adminAddr := fs.String("admin-listen", ":9090", "address to serve metrics and the cluster API on")
	certFile := fs.String("cert", "", "TLS certificate file (identity presented to peers)")
	keyFile := fs.String("key", "", "TLS key file")
	caFile := fs.String("ca", "", "CA bundle used to verify peer certificates")
	enablePprof := fs.Bool("enable-pprof", false, "serve pprof handlers on the admin listener")
	flags.ConfigureAndParse(fs, os.Args[1:])

	file, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	cfg := config.New(file)

	stopWatch, err := config.Watch(*configPath, cfg)
	if err != nil {
		log.WithError(err).Warn("config watch disabled")
	} else {
		defer stopWatch()
	}

	tlsConfig, err := loadTLSConfig(*certFile, *keyFile, *caFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load TLS material")
	}

	mgr := endpointmgr.New(cfg.Identity(), transport.Dialer{TLSConfig: tlsConfig})

	listener, err := transport.Listen(*listenAddr, tlsConfig)
	if err != nil {
		log.WithError(err).Fatal("failed to listen for peer connections")
	}
	mgr.AddListener(listener)

	store := objectstore.New()

	discoveryEngine := discovery.StartWithIntervals(mgr, cfg,
		time.Duration(cfg.RegistrationTTL())*time.Second,
		time.Duration(cfg.DiscoveryInterval())*time.Second)
	replication.Start(mgr, store)
	delegationEngine := delegation.StartWithInterval(mgr, store,
		time.Duration(cfg.DelegationInterval())*time.Second)
	checkresultEngine := checkresult.Start(mgr, noopSink{})

	router := admin.NewRouter()
	httpapi.Register(router, mgr, store, serviceType, checkerAttr)
	adminSrv := admin.NewServer(*adminAddr, *enablePprof, router)
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil {
			log.WithError(err).Info("admin server stopped")
		}
	}()

	log.WithFields(log.Fields{
		"identity": cfg.Identity(),
		"listen":   *listenAddr,
		"admin":    *adminAddr,
	}).Info("clusterd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	checkresultEngine.Stop()
	delegationEngine.Stop()
	discoveryEngine.Stop()
	mgr.Close()
}

// loadTLSConfig builds the server/client TLS config clusterd presents to
// peers. Returns nil, nil if no certificate is configured, in which case
// transport falls back to plaintext (fine for local development, never for
// a real deployment — spec.md leaves certificate policy to the operator).
func loadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(pem)
		tlsConfig.ClientCAs = pool
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// noopSink discards check results. Real deployments wire an external
// writer (spec.md §6 treats check-result persistence as out of scope for
// the core); this keeps clusterd runnable standalone.
type noopSink struct{}

func (noopSink) OnCheckResult(service string, result map[string]any) {
	log.WithField("service", service).Debug("check result received, no sink configured")
}
