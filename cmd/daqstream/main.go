package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"github.com/usnistgov/daqstream"
	"github.com/usnistgov/daqstream/internal/sessiondb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper says where to find the config file, creating the default one if
// needed, and reads it. A non-empty configFile overrides the search.
func setupViper(configFile string) error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("database", false)

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dotDaqstream := filepath.Join(home, ".daqstream")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDaqstream, filename+suffix); err != nil {
		return err
	}
	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/daqstream"))
	viper.AddConfigPath(dotDaqstream)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probLogger := log.New(os.Stderr, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// minimumReceiveBuffer is the socket receive buffer size below which a warning
// is logged: room for one full-size DAQ block.
const minimumReceiveBuffer = 8*65536*2 + 10

// checkReceiveBuffer warns when the kernel's largest allowed socket receive
// buffer could not hold one large data block.
func checkReceiveBuffer() {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return // not Linux, or no /proc
	}
	rmem, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		daqstream.ProblemLogger.Printf("could not parse net.core.rmem_max=%q: %v", val, err)
		return
	}
	if rmem < minimumReceiveBuffer {
		msg := fmt.Sprintf("net.core.rmem_max is %d bytes, less than one large data block (%d bytes)",
			rmem, minimumReceiveBuffer)
		fmt.Println("Warning:", msg)
		daqstream.ProblemLogger.Print(msg)
	}
}

// startSimulator starts a simulated DAQ on a local port.
func startSimulator() (*daqstream.SimulatedDAQ, error) {
	sim := daqstream.NewSimulatedDAQ()
	if err := sim.Listen("127.0.0.1:0"); err != nil {
		return nil, err
	}
	fmt.Printf("Simulated DAQ listening on %s\n", sim.Addr())
	return sim, nil
}

// runSimulatedServer serves RPC for a session on sim. The stored settings are
// used apart from the address and variant, and nothing is written back to the
// config file, since the simulator's port is gone when the process exits.
func runSimulatedServer(messageChan chan<- daqstream.ClientUpdate, sim *daqstream.SimulatedDAQ) (*daqstream.SessionControl, error) {
	sessionControl := daqstream.NewSessionControl(messageChan, daqstream.DialTCP)
	sessionControl.SetPersist(false)
	cfg, _, err := daqstream.StoredSessionConfig()
	if err != nil {
		daqstream.ProblemLogger.Printf("stored session configuration is unreadable: %v", err)
		cfg = daqstream.DefaultSessionConfig()
	}
	cfg.Address = sim.Addr()
	cfg.Variant = "DAC16"
	if err := sessionControl.Restore(cfg); err != nil {
		fmt.Printf("Could not configure the simulated session: %v\n", err)
	}
	return sessionControl, sessionControl.Serve(daqstream.Ports.RPC, false)
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	daqstream.Build.Date = buildDate
	daqstream.Build.Githash = githash
	daqstream.Build.Gitdate = gitdate
	daqstream.Build.Summary = fmt.Sprintf("daqstream version %s (git commit %s of %s)", daqstream.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		daqstream.Build.Host = host
	} else {
		daqstream.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	configFile := flag.String("config", "", "read configuration from this file instead of ~/.daqstream/config.yaml")
	simulate := flag.Bool("simulate", false, "acquire from a built-in simulated DAQ")
	portbase := flag.Int("ports", daqstream.Ports.RPC, "base TCP port: RPC on this port, status publisher on the next")
	autostart := flag.Bool("autostart", false, "start acquisition as soon as the session is configured")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is daqstream version %s\n", daqstream.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	daqstream.SetPortBase(*portbase)

	banner := fmt.Sprintf("\nThis is daqstream version %s (git commit %s)\n", daqstream.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	logdir := filepath.Join("$HOME", ".daqstream", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	daqstream.ProblemLogger = startLogger(problemname)
	daqstream.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	daqstream.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(*configFile); err != nil {
		panic(err)
	}
	checkReceiveBuffer()

	abort := make(chan struct{})
	var db *sessiondb.DBConnection
	if viper.GetBool("database") {
		activity := &sessiondb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  daqstream.Build.Host,
			Githash:   githash,
			Version:   daqstream.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     time.Now(),
		}
		db = sessiondb.StartDBConnection(activity, abort)
		if db.IsConnected() {
			daqstream.SetSessionDB(db)
		} else {
			fmt.Printf("Session database not available: %v\n", db.Err())
		}
	}

	var sim *daqstream.SimulatedDAQ
	if *simulate {
		sim, err = startSimulator()
		if err != nil {
			panic(err)
		}
		defer sim.Close()
	}

	messageChan := make(chan daqstream.ClientUpdate, 100)
	go func() {
		if err := daqstream.RunClientUpdater(messageChan, daqstream.Ports.Status, abort); err != nil {
			daqstream.ProblemLogger.Printf("client updater stopped: %v", err)
		}
	}()
	var sessionControl *daqstream.SessionControl
	if sim != nil {
		sessionControl, err = runSimulatedServer(messageChan, sim)
	} else {
		sessionControl, err = daqstream.RunRPCServer(messageChan, daqstream.Ports.RPC, daqstream.DialTCP, false)
	}
	if err != nil {
		panic(err)
	}
	fmt.Printf("Serving JSON-RPC on port %d, status on port %d\n", daqstream.Ports.RPC, daqstream.Ports.Status)

	if *autostart {
		var okay bool
		if err := sessionControl.Start(nil, &okay); err != nil {
			fmt.Printf("Could not autostart: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	fmt.Println("\nStopping daqstream")
	if err := sessionControl.Close(); err != nil {
		daqstream.ProblemLogger.Printf("closing session: %v", err)
	}
	close(abort)
	if db != nil {
		db.Wait()
	}
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}
	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
