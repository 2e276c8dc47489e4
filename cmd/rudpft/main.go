package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/mjbarnes/rudpft/client"
	"github.com/mjbarnes/rudpft/config"
	"github.com/mjbarnes/rudpft/netsim"
	"github.com/mjbarnes/rudpft/server"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	serverMode = kingpin.Flag("server", "Run in responder mode: accept incoming sessions from any host.").Short('s').Bool()
	configFile = kingpin.Flag("config", "Responder config file (viper-loaded TOML/YAML/JSON).").Short('c').String()
	bindAddr   = kingpin.Flag("addr", "Responder bind address.").Default("0.0.0.0").String()
	port       = kingpin.Flag("port", "Port to bind (server mode) or connect to (client mode).").Default("8080").Int()
	dir        = kingpin.Flag("dir", "Responder: directory to serve files from and accept uploads into.").String()
	timeout    = kingpin.Flag("timeout", "Retransmission timeout.").Default("2s").Duration()
	windowSize = kingpin.Flag("window-size", "Go-Back-N window size for uploads.").Default("4").Int()
	maxRetries = kingpin.Flag("max-retries", "Bound on SYN/FIN retries; 0 means unbounded.").Default("10").Int()
	dropRate   = kingpin.Flag("drop-rate", "Simulated symmetric packet drop probability, for testing only.").Default("0").Float64()

	host      = kingpin.Arg("host", "Responder host (client mode only).").String()
	operation = kingpin.Arg("operation", "upload or download (client mode only).").Enum("upload", "download")
	filename  = kingpin.Arg("filename", "File to transfer (client mode only).").String()
)

func main() {
	kingpin.Parse()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if *serverMode {
		runServer()
		return
	}
	runClient()
}

func runServer() {
	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}
	if *bindAddr != "0.0.0.0" {
		cfg.BindAddr = *bindAddr
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *port != 8080 {
		cfg.Port = *port
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port))
	if err != nil {
		log.WithError(err).Fatal("failed to bind")
	}
	defer conn.Close()

	var pc net.PacketConn = conn
	if cfg.DropRate > 0 {
		pc = netsim.NewPacketConn(conn, cfg.DropRate, cfg.DropRate)
		log.WithField("rate", cfg.DropRate).Warn("packet drop simulation enabled, do not use in production")
	}

	r := server.New(pc, cfg.Dir, cfg.Timeout, cfg.EvictMultiplier)
	log.WithFields(log.Fields{"addr": cfg.BindAddr, "port": cfg.Port, "dir": cfg.Dir}).Info("responder listening")

	stop := make(chan struct{})
	if err := r.Serve(stop); err != nil {
		log.WithError(err).Fatal("responder exited")
	}
}

func runClient() {
	if *host == "" || *operation == "" || *filename == "" {
		fmt.Println("error: client mode requires host, operation, and filename arguments")
		os.Exit(1)
	}

	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", *host, *port))
	if err != nil {
		log.WithError(err).Fatal("failed to dial responder")
	}
	defer conn.Close()

	var c net.Conn = conn
	if *dropRate > 0 {
		c = netsim.NewConn(conn, *dropRate, *dropRate)
		log.WithField("rate", *dropRate).Warn("packet drop simulation enabled, do not use in production")
	}

	tr, err := client.New(c, *timeout)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize transfer")
	}
	tr.MaxRetries = *maxRetries

	switch *operation {
	case "download":
		// spec.md §6: download output is written to downloaded_<basename>
		// in the current directory.
		localPath := "downloaded_" + filepath.Base(*filename)
		f, err := os.Create(localPath)
		if err != nil {
			log.WithError(err).Fatal("failed to create local file")
		}
		defer f.Close()
		if err := tr.Download(*filename, f); err != nil {
			log.WithError(err).Fatal("download failed")
		}
	case "upload":
		f, err := os.Open(*filename)
		if err != nil {
			log.WithError(err).Fatal("failed to open local file")
		}
		defer f.Close()
		if err := tr.Upload(*filename, f, *windowSize); err != nil {
			log.WithError(err).Fatal("upload failed")
		}
	}

	log.Info("transfer complete")
}
