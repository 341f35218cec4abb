// dkimd is a long-running daemon that verifies and signs DKIM signatures
// for messages handed to it over a Unix socket, one per connection.
//
// Wire protocol, per connection: a single command line, then a blank line,
// then the raw message (read until the peer closes its write side):
//
//	VERIFY
//
//	<message>
//
//	SIGN <domain> <selector> <key-path> <header1>,<header2>,...
//
//	<message>
//
// The response is one line per signature: "<dns-name-or(sign)>: <status>
// (<error>)", or the folded DKIM-Signature field text for a successful
// sign result.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"blitiri.com.ar/go/dkimiter/dkim"
)

var configPath = flag.String("config", "/etc/dkimd/dkimd.conf",
	"path to the configuration file")

// config holds dkimd's settings, loaded from a tag-list-grammar file (the
// same grammar the engine itself uses for DKIM-Signature and key records).
type config struct {
	Listen     string
	MaxHeaders int
	Workers    int
}

func defaultConfig() config {
	return config{
		Listen:     "/run/dkimd/dkimd.sock",
		MaxHeaders: 5,
		Workers:    4,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	tags, err := dkim.ParseConfigLine(string(raw))
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}

	if v, ok := tags["listen"]; ok && v != "" {
		cfg.Listen = v
	}
	if v, ok := tags["max_headers"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("bad max_headers=%q: %w", v, err)
		}
		cfg.MaxHeaders = n
	}
	if v, ok := tags["workers"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("bad workers=%q: %w", v, err)
		}
		cfg.Workers = n
	}

	return cfg, nil
}

// lookupJob is one DNS TXT lookup request handed to the worker pool.
type lookupJob struct {
	name  string
	reply chan<- *dkim.DNSValue
}

func dnsWorker(jobs <-chan lookupJob) {
	for j := range jobs {
		txt, err := net.LookupTXT(j.name)
		if err != nil {
			j.reply <- dkim.DNSFailed()
			continue
		}
		j.reply <- dkim.DNSText(txt...)
	}
}

func main() {
	flag.Parse()
	log.Init()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	log.Infof("dkimd starting, listen=%s workers=%d max_headers=%d",
		cfg.Listen, cfg.Workers, cfg.MaxHeaders)

	jobs := make(chan lookupJob)
	for i := 0; i < cfg.Workers; i++ {
		go dnsWorker(jobs)
	}

	ln, err := listener(cfg.Listen)
	if err != nil {
		log.Fatalf("listening on %s: %v", cfg.Listen, err)
	}
	log.Infof("listening on %s", cfg.Listen)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Errorf("accept: %v", err)
			continue
		}
		go func() {
			defer conn.Close()
			if err := handleConn(conn, cfg, jobs); err != nil {
				log.Errorf("%s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// listener prefers a systemd-activated socket named "dkimd", falling back
// to binding path directly.
func listener(path string) (net.Listener, error) {
	ls, err := systemd.Listeners()
	if err != nil {
		return nil, err
	}
	if named, ok := ls["dkimd"]; ok && len(named) > 0 {
		log.Infof("using systemd socket activation")
		return named[0], nil
	}

	os.Remove(path)
	return net.Listen("unix", path)
}

func handleConn(conn net.Conn, cfg config, jobs chan<- lookupJob) error {
	r := bufio.NewReader(conn)

	cmdLine, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading command: %w", err)
	}
	cmdLine = strings.TrimRight(cmdLine, "\r\n")

	if blank, err := r.ReadString('\n'); err != nil || strings.TrimRight(blank, "\r\n") != "" {
		return fmt.Errorf("malformed request: expected blank line after command")
	}

	msg, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	opts := dkim.Options{
		DNS:        dkim.DNSMap{},
		MaxHeaders: cfg.MaxHeaders,
	}

	fields := strings.Fields(cmdLine)
	switch {
	case len(fields) >= 1 && fields[0] == "VERIFY":
		// Nothing else to configure: plain verify of whatever
		// DKIM-Signature fields are present.
	case len(fields) >= 4 && fields[0] == "SIGN":
		key, err := os.ReadFile(fields[3])
		if err != nil {
			return fmt.Errorf("reading private key: %w", err)
		}
		headers := []string{"from"}
		if len(fields) >= 5 {
			headers = strings.Split(fields[4], ",")
		}
		opts.Sign = []dkim.SignTemplate{{
			Domain:        fields[1],
			Selector:      fields[2],
			HeaderList:    headers,
			PrivateKeyPEM: key,
			SignTimeNow:   true,
		}}
	default:
		return fmt.Errorf("unrecognized command %q", cmdLine)
	}

	e := dkim.NewEngine(opts)
	e.Append(msg)
	results := e.Append(nil)
	results = resolvePending(e, opts.DNS, jobs, results)

	w := bufio.NewWriter(conn)
	defer w.Flush()
	for _, res := range results {
		if res.SignedHeader != "" {
			fmt.Fprint(w, strings.ReplaceAll(res.SignedHeader, "\r\n", "\r\n\t")+"\r\n")
			continue
		}
		name := res.DNSName
		if name == "" {
			name = "(sign)"
		}
		fmt.Fprintf(w, "%s: %s", name, res.Status)
		if res.Error != "" {
			fmt.Fprintf(w, " (%s)", res.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// resolvePending farms every still-pending DNS name out to the worker pool
// and re-asks the engine, until nothing is left pending or a safety bound
// on rounds is hit (a misbehaving signature set should never wedge a
// connection handler forever).
func resolvePending(e *dkim.Engine, dns dkim.DNSMap, jobs chan<- lookupJob, results []*dkim.Result) []*dkim.Result {
	for round := 0; round < 10; round++ {
		pending := e.Pending()
		if len(pending) == 0 {
			return results
		}

		replies := make(chan *dkim.DNSValue, len(pending))
		names := make([]string, 0, len(pending))
		for _, name := range pending {
			if _, ok := dns[name]; ok {
				continue
			}
			names = append(names, name)
			jobs <- lookupJob{name: name, reply: replies}
		}
		for _, name := range names {
			dns[name] = <-replies
		}

		results = e.Append(nil)
	}
	return results
}
