// Command dfusim runs a complete DFU firmware download against the
// simulated bootloader: enumeration, block-by-block DNLOAD with
// GETSTATUS polling, manifestation, and verification of the image the
// device assembled.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/ulikunitz/xz"
	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v2"

	"github.com/ardnew/softdfu/device"
	"github.com/ardnew/softdfu/device/class/dfu"
	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/device/hal/sim"
	"github.com/ardnew/softdfu/pkg"
	"github.com/ardnew/softdfu/pkg/prof"
)

// Config is the YAML device profile the simulator enumerates with.
type Config struct {
	Device struct {
		VendorID     uint16 `yaml:"vendor_id"`
		ProductID    uint16 `yaml:"product_id"`
		Manufacturer string `yaml:"manufacturer"`
		Product      string `yaml:"product"`
		Serial       string `yaml:"serial"`
	} `yaml:"device"`
	Log struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

// defaultConfig matches the open-hardware bootloader IDs the tools
// look for by default.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Device.VendorID = 0x1209
	cfg.Device.ProductID = 0x70B1
	cfg.Device.Manufacturer = "softdfu"
	cfg.Device.Product = "softdfu bootloader (simulated)"
	cfg.Device.Serial = "sim-0001"
	cfg.Log.MaxSizeMB = 10
	cfg.Log.MaxBackups = 3
	cfg.Log.MaxAgeDays = 7
	return cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// readImage loads the firmware file, transparently decompressing
// xz-packed images.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		r = xr
	}
	return io.ReadAll(r)
}

// buildTable assembles the descriptor table the simulated device
// enumerates with.
func buildTable(cfg *Config) *device.Table {
	table := &device.Table{WCID: device.MicrosoftWCIDDescriptor(0)}

	dd := device.DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    device.MaxPacketSize,
		VendorID:          cfg.Device.VendorID,
		ProductID:         cfg.Device.ProductID,
		DeviceVersion:     0x0101,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	buf := make([]byte, device.DeviceDescriptorSize)
	dd.MarshalTo(buf)
	table.Add(uint16(device.DescriptorTypeDevice)<<8, buf)

	fd := device.DFUFunctionalDescriptor{
		Attributes:    device.DFUAttrCanDnload | device.DFUAttrManifestationTolerant,
		DetachTimeout: 250,
		TransferSize:  device.MaxTransferSize,
		DFUVersion:    0x0110,
	}
	buf = make([]byte, device.DFUFunctionalDescriptorSize)
	fd.MarshalTo(buf)
	table.Add(uint16(device.DescriptorTypeDFUFunctional)<<8, buf)

	lang := make([]byte, 4)
	device.LanguageDescriptorTo(lang, device.LangIDUSEnglish)
	table.AddString(0, lang)
	for i, s := range []string{cfg.Device.Manufacturer, cfg.Device.Product, cfg.Device.Serial} {
		buf := make([]byte, 2+2*len(s))
		device.StringDescriptorTo(buf, s)
		table.AddString(uint8(i+1), buf)
	}
	return table
}

// enumerate performs the standard-request sequence a host runs after
// reset and returns the wTransferSize advertised by the DFU
// functional descriptor.
func enumerate(host *sim.Host) (int, error) {
	var setup device.SetupPacket
	var req hal.SetupPacket

	device.GetDescriptorSetup(&setup, device.DescriptorTypeDevice, 0, device.DeviceDescriptorSize)
	dd, err := host.ControlIn(toHAL(&setup, &req))
	if err != nil {
		return 0, fmt.Errorf("device descriptor: %w", err)
	}
	pkg.LogInfo(pkg.ComponentHost, "device descriptor read",
		"vid", fmt.Sprintf("%02x%02x", dd[9], dd[8]),
		"pid", fmt.Sprintf("%02x%02x", dd[11], dd[10]))

	device.SetAddressSetup(&setup, 1)
	if err := host.ControlOut(toHAL(&setup, &req), nil); err != nil {
		return 0, fmt.Errorf("set address: %w", err)
	}
	device.SetConfigurationSetup(&setup, 1)
	if err := host.ControlOut(toHAL(&setup, &req), nil); err != nil {
		return 0, fmt.Errorf("set configuration: %w", err)
	}

	device.GetDescriptorSetup(&setup, device.DescriptorTypeDFUFunctional, 0, device.DFUFunctionalDescriptorSize)
	fd, err := host.ControlIn(toHAL(&setup, &req))
	if err != nil {
		return 0, fmt.Errorf("functional descriptor: %w", err)
	}
	return int(fd[5]) | int(fd[6])<<8, nil
}

// download pushes the image through DNLOAD in transfer-size blocks,
// polling status between blocks the way dfu-util does, and finishes
// with the zero-length terminator.
func download(host *sim.Host, image []byte, transferSize int, progress func()) error {
	var setup device.SetupPacket
	var req hal.SetupPacket

	poll := func(want dfu.State) error {
		device.DFUSetup(&setup, device.RequestDFUGetStatus, 0, 0, dfu.StatusBlockSize)
		blk, err := host.ControlIn(toHAL(&setup, &req))
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		if status := dfu.Status(blk[0]); status != dfu.StatusOK {
			return fmt.Errorf("device reports %v in %v", status, dfu.State(blk[4]))
		}
		if state := dfu.State(blk[4]); state != want {
			return fmt.Errorf("device in %v, want %v", state, want)
		}
		return nil
	}

	for block := 0; block*transferSize < len(image); block++ {
		start := block * transferSize
		end := start + transferSize
		if end > len(image) {
			end = len(image)
		}
		device.DFUSetup(&setup, device.RequestDFUDnload, uint16(block), 0, uint16(end-start))
		if err := host.ControlOut(toHAL(&setup, &req), image[start:end]); err != nil {
			return fmt.Errorf("download block %d: %w", block, err)
		}
		if err := poll(dfu.StateDFUDnloadIdle); err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
		progress()
	}

	device.DFUSetup(&setup, device.RequestDFUDnload, 0, 0, 0)
	if err := host.ControlOut(toHAL(&setup, &req), nil); err != nil {
		return fmt.Errorf("terminate download: %w", err)
	}
	return poll(dfu.StateDFUIdle)
}

func toHAL(s *device.SetupPacket, out *hal.SetupPacket) *hal.SetupPacket {
	out.RequestType = s.RequestType
	out.Request = s.Request
	out.Value = s.Value
	out.Index = s.Index
	out.Length = s.Length
	return out
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	pkg.SetLogLevel(level)

	format := pkg.LogFormatText
	if cmd.Bool("log-json") {
		format = pkg.LogFormatJSON
	}
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
	}
	pkg.SetLogOutput(out, format)

	if path := cmd.String("cpuprofile"); path != "" {
		if err := prof.StartCPU(path); err != nil {
			return err
		}
		defer prof.StopCPU()
	}

	image, err := readImage(cmd.String("input"))
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	if len(image) == 0 {
		return fmt.Errorf("firmware image %s is empty", cmd.String("input"))
	}

	// Device side: descriptor table, firmware engine, control engine,
	// all driven through the packet-level simulator.
	capacity := (len(image) + device.MaxTransferSize - 1) / device.MaxTransferSize * device.MaxTransferSize
	target := dfu.NewMemoryTarget(capacity)
	transport := sim.NewTransport()
	ep := device.NewControlEndpoint(transport, buildTable(cfg), dfu.NewEngine(target))
	transport.Bind(ep)
	transport.Reset()
	host := sim.NewHost(transport)

	transferSize, err := enumerate(host)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	pkg.LogInfo(pkg.ComponentHost, "enumeration complete",
		"address", transport.Address(), "transferSize", transferSize)

	tty := term.IsTerminal(os.Stdout.Fd())
	progress := func() {
		if tty {
			fmt.Print(".")
		}
	}
	if err := download(host, image, transferSize, progress); err != nil {
		return err
	}
	if tty {
		fmt.Println()
	}

	if !target.Manifested() {
		return fmt.Errorf("device did not manifest the image")
	}
	if !bytes.Equal(target.Image(), image) {
		return fmt.Errorf("device image differs from input (%d vs %d bytes)",
			len(target.Image()), len(image))
	}

	if path := cmd.String("output"); path != "" {
		if err := os.WriteFile(path, target.Image(), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	fmt.Printf("downloaded %d bytes in %d blocks\n",
		len(image), (len(image)+transferSize-1)/transferSize)
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "dfusim",
		Usage: "run a DFU firmware download against the simulated bootloader",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "firmware image (optionally .xz)", Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the device-side image here"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML device profile"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "debug, info, warn, or error"},
			&cli.BoolFlag{Name: "log-json", Usage: "log in JSON format"},
			&cli.StringFlag{Name: "cpuprofile", Usage: "write a CPU profile (build with -tags profile)"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		pkg.LogError(pkg.ComponentHost, "dfusim failed", "err", err)
		os.Exit(1)
	}
}
