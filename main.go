package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dnsveil/proxy"
	"dnsveil/querylog"
)

var log = logrus.StandardLogger()

func main() {
	var configPath = flag.String("config", "", "path to a YAML config file; flags override its values")
	var listen = flag.String("listen", ":53", "address the DNS server should bind to")
	var upstreams = flag.String("upstreams", "",
		`comma-separated list of upstream addresses, e.g. "9.9.9.9:53,tls://dns.quad9.net". Schemes: udp (default), tcp, tls, https, quic`)
	var fallbacks = flag.String("fallbacks", "",
		"comma-separated list of fallback upstreams, consulted only after every upstream failed")
	var filterPaths = flag.String("filters", "",
		"comma-separated list of rule-list files (adblock-style, hosts-style and plain domains)")
	var cacheSize = flag.Int("cache-size", 1000, "response cache capacity; 0 disables caching")
	var optimistic = flag.Bool("optimistic-cache", false, "serve expired cache entries and refresh them in the background")
	var blockIPv6 = flag.Bool("block-ipv6", false, "answer AAAA queries with a no-data response unless a rule blocks them with a non-NOERROR answer")
	var blockingMode = flag.String("blocking-mode", "default",
		"what blocked queries are answered with: default, refused, nxdomain, unspecified_address, custom_address")
	var blockedTTL = flag.Uint("blocked-ttl", 3600, "TTL of synthesized blocking responses, seconds")
	var dnstapPath = flag.String("dnstap", "", "write a dnstap query log to this frame-stream file")
	var verbose = flag.Bool("verbose", false, "debug logging, including packet dumps")
	var quiet = flag.Bool("quiet", false, "suppresses logging of each DNS response")
	flag.Parse()

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	log.Infof("%s version %s starting", os.Args[0], proxy.GetVersion())

	var config Config
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		config = *loaded
	}
	applyFlags(&config, flag.CommandLine, *listen, *upstreams, *fallbacks, *filterPaths,
		*cacheSize, *optimistic, *blockIPv6, *blockingMode, uint32(*blockedTTL), *dnstapPath)

	settings, err := config.toSettings()
	if err != nil {
		log.Fatal(err)
	}
	if len(settings.Upstreams) == 0 && len(settings.Fallbacks) == 0 {
		log.Fatal("no upstreams configured; pass -upstreams or a config file")
	}

	var events proxy.Events
	if config.DnstapPath != "" {
		sink, err := querylog.NewDnstapSink(config.DnstapPath)
		if err != nil {
			log.Fatalf("opening dnstap sink: %v", err)
		}
		defer sink.Close()
		events.OnRequestProcessed = sink.OnRequestProcessed
	} else if !*quiet {
		events.OnRequestProcessed = func(event proxy.ProcessedEvent) {
			log.Infof("%s %s %s %dms cache=%t rules=%v",
				event.Type, event.Domain, event.Status, event.Elapsed, event.CacheHit, event.Rules)
		}
	}

	forwarder := proxy.New()
	warning, err := forwarder.Init(settings, events)
	if err != nil {
		log.Fatal(err)
	}
	if warning != "" {
		log.Warn(warning)
	}
	defer forwarder.Deinit()

	bindPort := 53
	if _, portStr, err := net.SplitHostPort(config.Listen); err == nil {
		if port, err := net.LookupPort("udp", portStr); err == nil {
			bindPort = port
		}
	}

	var udpConns []*net.UDPConn
	var tcpListeners []*net.TCPListener
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: bindPort})
	switch {
	case err == nil: // success! We've bound to all interfaces
		udpConns = append(udpConns, udpConn)
	case isErrorPermissionsError(err):
		log.Infof("try invoking me with `sudo` because I don't have permission to bind to UDP port %d", bindPort)
		log.Fatal(err.Error())
	case isErrorAddressAlreadyInUse(err):
		log.Infof("I couldn't bind via UDP to \"[::]:%d\" (INADDR_ANY, all interfaces), so I'll try to bind to each address individually", bindPort)
		var unboundUDPIPs []string
		udpConns, unboundUDPIPs = bindUDPAddressesIndividually(bindPort)
		if len(unboundUDPIPs) > 0 {
			log.Infof(`I couldn't bind via UDP to the following IPs: "%s"`, strings.Join(unboundUDPIPs, `", "`))
		}
	default:
		log.Fatal(err.Error())
	}
	tcpListener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: bindPort})
	switch {
	case err == nil:
		tcpListeners = append(tcpListeners, tcpListener)
	case isErrorAddressAlreadyInUse(err):
		var unboundTCPIPs []string
		tcpListeners, unboundTCPIPs = bindTCPAddressesIndividually(bindPort)
		if len(unboundTCPIPs) > 0 {
			log.Infof(`I couldn't bind via TCP to the following IPs: "%s"`, strings.Join(unboundTCPIPs, `", "`))
		}
	default:
		log.Error(err.Error()) // unlike UDP, TCP is optional; we merely log
	}

	if len(udpConns) == 0 { // couldn't bind to UDP anywhere? exit
		log.Fatalf("I couldn't bind via UDP to any IPs on port %d, so I'm exiting", bindPort)
	}
	if len(tcpListeners) == 0 { // TCP is optional; don't exit
		log.Infof("I couldn't bind via TCP to any IPs on port %d", bindPort)
	}

	for _, conn := range udpConns {
		go readFromUDP(conn, forwarder)
	}
	for _, listener := range tcpListeners {
		go readFromTCP(listener, forwarder)
	}
	log.Info("ready to answer queries")

	// serve until interrupted, then let the deferred Deinit drain refreshes
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Info("shutting down")
	for _, conn := range udpConns {
		_ = conn.Close()
	}
	for _, listener := range tcpListeners {
		_ = listener.Close()
	}
}

// applyFlags lets explicitly-set flags override the config file.
func applyFlags(config *Config, fs *flag.FlagSet, listen, upstreams, fallbacks, filterPaths string,
	cacheSize int, optimistic, blockIPv6 bool, blockingMode string, blockedTTL uint32, dnstapPath string) {

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if config.Listen == "" || set["listen"] {
		config.Listen = listen
	}
	if upstreams != "" {
		config.Upstreams = nil
		for _, addr := range strings.Split(upstreams, ",") {
			config.Upstreams = append(config.Upstreams, UpstreamConfig{Address: strings.TrimSpace(addr)})
		}
	}
	if fallbacks != "" {
		config.Fallbacks = nil
		for _, addr := range strings.Split(fallbacks, ",") {
			config.Fallbacks = append(config.Fallbacks, UpstreamConfig{Address: strings.TrimSpace(addr)})
		}
	}
	if filterPaths != "" {
		config.FilterLists = nil
		for i, path := range strings.Split(filterPaths, ",") {
			config.FilterLists = append(config.FilterLists, FilterListConfig{ID: i + 1, Path: strings.TrimSpace(path)})
		}
	}
	if set["cache-size"] || config.CacheSize == 0 {
		config.CacheSize = cacheSize
	}
	if set["optimistic-cache"] {
		config.OptimisticCache = optimistic
	}
	if set["block-ipv6"] {
		config.BlockIPv6 = blockIPv6
	}
	if set["blocking-mode"] || config.BlockingMode == "" {
		config.BlockingMode = blockingMode
	}
	if set["blocked-ttl"] || config.BlockedResponseTTL == 0 {
		config.BlockedResponseTTL = blockedTTL
	}
	if set["dnstap"] {
		config.DnstapPath = dnstapPath
	}
}

func readFromUDP(conn *net.UDPConn, forwarder *proxy.Proxy) {
	for {
		query := make([]byte, 4096)
		n, addr, err := conn.ReadFromUDP(query)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error(err.Error())
			continue
		}
		go func() {
			response := forwarder.HandleMessage(query[:n])
			if response == nil {
				return
			}
			if _, err := conn.WriteToUDP(response, addr); err != nil {
				log.Error(err.Error())
			}
		}()
	}
}

func readFromTCP(tcpListener *net.TCPListener, forwarder *proxy.Proxy) {
	for {
		tcpConn, err := tcpListener.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error(err.Error())
			continue
		}
		go func() {
			defer func(tcpConn *net.TCPConn) {
				_ = tcpConn.Close()
			}(tcpConn)
			_ = tcpConn.SetReadDeadline(time.Now().Add(30 * time.Second))

			// 2-byte length prefix, then the query
			var length [2]byte
			if _, err := io.ReadFull(tcpConn, length[:]); err != nil {
				log.Error(err.Error())
				return
			}
			query := make([]byte, binary.BigEndian.Uint16(length[:]))
			if _, err := io.ReadFull(tcpConn, query); err != nil {
				log.Error(err.Error())
				return
			}

			response := forwarder.HandleMessage(query)
			if response == nil {
				return
			}
			framed := make([]byte, 2+len(response))
			binary.BigEndian.PutUint16(framed, uint16(len(response)))
			copy(framed[2:], response)
			if _, err := tcpConn.Write(framed); err != nil {
				log.Error(err.Error())
			}
		}()
	}
}

func bindUDPAddressesIndividually(bindPort int) (udpConns []*net.UDPConn, unboundIPs []string) {
	// typical value of net.Addr.String() → "::1/128" "172.19.0.17/23"
	interfaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Errorf(`I couldn't get the local interface addresses: "%s"`, err.Error())
		return nil, nil
	}
	for _, interfaceAddr := range interfaceAddrs {
		ip, _, err := net.ParseCIDR(interfaceAddr.String())
		if err != nil {
			log.Errorf(`I couldn't parse the local interface "%s"`, interfaceAddr.String())
			continue
		}
		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: bindPort})
		if err != nil {
			unboundIPs = append(unboundIPs, ip.String())
		} else {
			udpConns = append(udpConns, udpConn)
		}
	}
	return udpConns, unboundIPs
}

func bindTCPAddressesIndividually(bindPort int) (tcpListeners []*net.TCPListener, unboundIPs []string) {
	interfaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Errorf(`I couldn't get the local interface addresses: "%s"`, err.Error())
		return nil, nil
	}
	for _, interfaceAddr := range interfaceAddrs {
		ip, _, err := net.ParseCIDR(interfaceAddr.String())
		if err != nil {
			log.Errorf(`I couldn't parse the local interface "%s"`, interfaceAddr.String())
			continue
		}
		listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: bindPort})
		if err != nil {
			unboundIPs = append(unboundIPs, ip.String())
		} else {
			tcpListeners = append(tcpListeners, listener)
		}
	}
	return tcpListeners, unboundIPs
}

// Thanks https://stackoverflow.com/a/52152912/2510873
func isErrorAddressAlreadyInUse(err error) bool {
	var eOsSyscall *os.SyscallError
	if !errors.As(err, &eOsSyscall) {
		return false
	}
	var errErrno syscall.Errno
	if !errors.As(eOsSyscall, &errErrno) {
		return false
	}
	if errors.Is(errErrno, syscall.EADDRINUSE) {
		return true
	}
	const WSAEADDRINUSE = 10048
	if runtime.GOOS == "windows" && errErrno == WSAEADDRINUSE {
		return true
	}
	return false
}

func isErrorPermissionsError(err error) bool {
	var eOsSyscall *os.SyscallError
	if errors.As(err, &eOsSyscall) {
		if os.IsPermission(eOsSyscall) {
			return true
		}
	}
	return false
}
