// Command ephysd is the real-time electrophysiology acquisition and
// control daemon: it opens the configured DAQ device, builds the
// filter/detector graph, starts the procedure scheduler and macro
// interpreter, and serves the JSON-RPC control surface until it
// receives SIGINT/SIGTERM (spec §6 CLI surface, SPEC_FULL ambient-stack
// CLI section), grounded on dastard's own main-equivalent bootstrap in
// rpc_server.go's RunRPCServer.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/multiverse-hardware-labs/ephysd/internal/builtin"
	"github.com/multiverse-hardware-labs/ephysd/internal/config"
	"github.com/multiverse-hardware-labs/ephysd/internal/devicecfg"
	"github.com/multiverse-hardware-labs/ephysd/internal/ephyserr"
	"github.com/multiverse-hardware-labs/ephysd/internal/framework"
	"github.com/multiverse-hardware-labs/ephysd/internal/macro"
	"github.com/multiverse-hardware-labs/ephysd/internal/repro"
	"github.com/multiverse-hardware-labs/ephysd/internal/rpcserver"
	"github.com/multiverse-hardware-labs/ephysd/internal/session"
)

// Exit codes (spec §6 "Exit codes: 0 normal, 2 fatal configuration
// error, 3 hardware-open failure").
const (
	exitOK            = 0
	exitConfigError   = 2
	exitHardwareError = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "", "directory containing config.yaml and device/macro config files")
	simulate := flag.Bool("simulate", false, "run against a simulated device with no real hardware")
	noSave := flag.Bool("no-save", false, "never persist session data regardless of session state")
	startMacro := flag.String("start-macro", "", "name of a macro to run immediately at startup")
	flag.Parse()

	settings, err := config.Load(*configDir, config.Flags{
		Simulate:   *simulate,
		NoSave:     *noSave,
		StartMacro: *startMacro,
	})
	if err != nil {
		log.Printf("ephysd: configuration error: %v", err)
		return exitConfigError
	}

	layout, err := loadDeviceLayout(*configDir, settings)
	if err != nil {
		log.Printf("ephysd: configuration error: %v", err)
		return exitConfigError
	}

	var macroFile *macro.File
	if settings.MacroConfig != "" {
		macroFile, err = loadMacroFile(*configDir, settings.MacroConfig)
		if err != nil {
			log.Printf("ephysd: configuration error: %v", err)
			return exitConfigError
		}
	}

	idle := builtin.NewIdleProcedure()

	fw, err := framework.New(framework.Config{
		MaxSampleRate:  layout.MaxSampleRate,
		InputDevice:    layout.InputDevice,
		InputChannels:  layout.InputChannels,
		InputUnit:      layout.InputUnit,
		SampleInterval: layout.SampleInterval,
		TraceCapacity:  layout.Capacity,

		OutputDevice:   layout.OutputDevice,
		OutputChannels: layout.OutputChannels,
		Attenuators:    layout.Attenuators,

		Procedures: []*repro.Procedure{idle},
		MacroFile:  macroFile,

		PersistRoot:          settings.PersistRoot,
		PersistTemplate:      settings.PersistTemplate,
		PersistHighWaterMark: settings.PersistHighWaterMark,

		EventsHostname:  hostnameFor(settings.EventsHostname, settings.PublishEventsPort),
		StimuliHostname: hostnameFor(settings.StimuliHostname, settings.PublishStimuliPort),

		NoSave:      settings.NoSave,
		DataPath:    settings.DataPath,
		DefaultPath: settings.DefaultPath,
	})
	if err != nil {
		log.Printf("ephysd: hardware open failed: %v", err)
		return exitHardwareError
	}
	defer fw.Close()

	if err := fw.Engine.StartInput(); err != nil {
		log.Printf("ephysd: hardware open failed: %v", err)
		return exitHardwareError
	}

	stopDriver := fw.StartFilterDriver()
	defer stopDriver()

	stopClock := make(chan struct{})
	defer close(stopClock)
	if layout.SampleInterval > 0 {
		go runClock(fw, layout.SampleInterval, stopClock)
	} else {
		log.Printf("ephysd: no sample_interval configured, acquisition clock is not running")
	}

	control := rpcserver.NewControl(nil)
	control.Scheduler = fw.Sched
	control.Macro = fw.Macro
	control.Filters = fw
	control.Procedures = fw
	control.Session = fw.Session

	if settings.StartMacro != "" {
		if fw.Macro == nil {
			log.Printf("ephysd: configuration error: --start-macro given but no macro file configured")
			return exitConfigError
		}
		if err := fw.Macro.Start(settings.StartMacro); err != nil {
			log.Printf("ephysd: configuration error: starting macro %q: %v", settings.StartMacro, err)
			return exitConfigError
		}
		go func() {
			if err := fw.Macro.Run(); err != nil {
				log.Printf("ephysd: macro %q terminated with error: %v", settings.StartMacro, err)
			}
		}()
	} else {
		if err := fw.Sched.StartFallback(); err != nil {
			log.Printf("ephysd: starting fallback procedure: %v", err)
		}
	}

	onShutdown := func() {
		if fw.Session.State() == session.Active {
			if settings.NoSave {
				_ = fw.Session.Discard()
			} else {
				_ = fw.Session.Save()
			}
		}
	}

	if err := rpcserver.Run(settings.RPCPort, control, true, onShutdown); err != nil {
		log.Printf("ephysd: rpc server: %v", err)
		return exitConfigError
	}
	return exitOK
}

// runClock advances the DAQ engine's acquisition clock one frame per
// sampleInterval, standing in for the hardware interrupt a real device
// would raise (spec §4.2 step 5). It is
// every running ephysd process's only acquisition driver today: no real
// device backend is wired in.
func runClock(fw *framework.Framework, sampleInterval float64, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(sampleInterval * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fw.Tick(1)
		case <-stop:
			return
		}
	}
}

func hostnameFor(explicit string, port int) string {
	if explicit != "" {
		return explicit
	}
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("tcp://*:%d", port)
}

func loadDeviceLayout(configDir string, settings config.Settings) (devicecfg.Layout, error) {
	path := settings.DeviceConfig
	if configDir != "" {
		path = configDir + string(os.PathSeparator) + path
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return devicecfg.Layout{}, ephyserr.New("ephysd.loadDeviceLayout", ephyserr.InvalidDevice, path, "device config file not found")
		}
		return devicecfg.Layout{}, err
	}
	defer f.Close()
	return devicecfg.Parse(f)
}

func loadMacroFile(configDir, name string) (*macro.File, error) {
	path := name
	if configDir != "" {
		path = configDir + string(os.PathSeparator) + name
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return macro.ParseFile(f)
}
