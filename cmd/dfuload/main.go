// Command dfuload downloads a firmware image into a DFU bootloader
// over USB: it finds the device by vendor/product ID, streams the
// image through DFU_DNLOAD in wTransferSize blocks with GETSTATUS
// polling, and sends the zero-length terminator that triggers
// manifestation.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	"github.com/samber/lo"
	"github.com/ulikunitz/xz"
	"github.com/urfave/cli/v3"

	"github.com/ardnew/softdfu/device"
	"github.com/ardnew/softdfu/device/class/dfu"
	"github.com/ardnew/softdfu/pkg"
)

// Control request type bytes for the DFU interface (class recipient
// interface, each direction).
const (
	requestTypeOut = device.RequestDirectionHostToDevice | device.RequestTypeClass | device.RequestRecipientInterface
	requestTypeIn  = device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface
)

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

// getStatus polls DFU_GETSTATUS and returns the decoded block.
func getStatus(dev *gousb.Device) (status dfu.Status, state dfu.State, pollTimeout time.Duration, err error) {
	buf := make([]byte, dfu.StatusBlockSize)
	n, err := dev.Control(requestTypeIn, device.RequestDFUGetStatus, 0, 0, buf)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("control: %w", err)
	}
	if n != dfu.StatusBlockSize {
		return 0, 0, 0, fmt.Errorf("status returned %d bytes", n)
	}
	msec := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return dfu.Status(buf[0]), dfu.State(buf[4]), time.Duration(msec) * time.Millisecond, nil
}

// awaitState polls status until the device settles in want.
func awaitState(dev *gousb.Device, want dfu.State) error {
	for i := 0; i < 10; i++ {
		status, state, wait, err := getStatus(dev)
		if err != nil {
			return err
		}
		if status != dfu.StatusOK {
			return fmt.Errorf("device reports %v in %v", status, state)
		}
		if state == want {
			return nil
		}
		time.Sleep(wait)
	}
	return fmt.Errorf("device never reached %v", want)
}

// sendImage streams the image through DNLOAD and terminates the
// transfer.
func sendImage(dev *gousb.Device, image []byte, transferSize int) error {
	for block := 0; block*transferSize < len(image); block++ {
		start := block * transferSize
		end := start + transferSize
		if end > len(image) {
			end = len(image)
		}
		if _, err := dev.Control(requestTypeOut, device.RequestDFUDnload,
			uint16(block), 0, image[start:end]); err != nil {
			return fmt.Errorf("download block %d: %w", block, err)
		}
		if err := awaitState(dev, dfu.StateDFUDnloadIdle); err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
		pkg.LogDebug(pkg.ComponentHost, "block programmed",
			"block", block, "len", end-start)
	}

	if _, err := dev.Control(requestTypeOut, device.RequestDFUDnload, 0, 0, nil); err != nil {
		return fmt.Errorf("terminate download: %w", err)
	}
	return awaitState(dev, dfu.StateDFUIdle)
}

// openTarget opens all devices matching vid:pid and returns exactly
// one, closing the rest.
func openTarget(ctx *gousb.Context, vid, pid gousb.ID) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vid && desc.Product == pid
	})
	if err != nil {
		lo.ForEach(devs, func(d *gousb.Device, _ int) { d.Close() })
		return nil, fmt.Errorf("open devices: %w", err)
	}
	switch len(devs) {
	case 0:
		return nil, fmt.Errorf("no device matches %s:%s", vid, pid)
	case 1:
		return devs[0], nil
	default:
		lo.ForEach(devs, func(d *gousb.Device, _ int) { d.Close() })
		return nil, fmt.Errorf("%d devices match %s:%s; detach all but one", len(devs), vid, pid)
	}
}

// listDevices prints every device visible on the bus with its usbid
// description.
func listDevices(ctx *gousb.Context) error {
	// The predicate sees every descriptor; returning false opens none.
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		fmt.Printf("%s:%s %s\n", desc.Vendor, desc.Product, usbid.Describe(desc))
		return false
	})
	return err
}

// confirm prompts on the controlling terminal unless stdin is not a
// TTY or --yes was given.
func confirm(skip bool) bool {
	if skip || !term.IsTerminal(os.Stdin.Fd()) {
		return true
	}
	fmt.Print("Program device? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func run(_ context.Context, cmd *cli.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	pkg.SetLogLevel(level)

	ctx := gousb.NewContext()
	defer ctx.Close()

	if cmd.Bool("list") {
		return listDevices(ctx)
	}

	image, err := readImage(cmd.String("input"))
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	if len(image) == 0 {
		return fmt.Errorf("firmware image %s is empty", cmd.String("input"))
	}

	vid := gousb.ID(cmd.Uint("vid"))
	pid := gousb.ID(cmd.Uint("pid"))
	dev, err := openTarget(ctx, vid, pid)
	if err != nil {
		return err
	}
	defer dev.Close()
	fmt.Printf("found %s\n", usbid.Describe(dev.Desc))

	if !confirm(cmd.Bool("yes")) {
		return fmt.Errorf("aborted")
	}

	// Recover a device stuck in dfuERROR from a previous attempt.
	if _, state, _, err := getStatus(dev); err == nil && state == dfu.StateDFUError {
		if _, err := dev.Control(requestTypeOut, device.RequestDFUClrStatus, 0, 0, nil); err != nil {
			return fmt.Errorf("clear status: %w", err)
		}
	}

	transferSize := int(cmd.Uint("transfer-size"))
	start := time.Now()
	if err := sendImage(dev, image, transferSize); err != nil {
		return err
	}
	fmt.Printf("downloaded %d bytes in %s\n", len(image), time.Since(start).Round(time.Millisecond))
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "dfuload",
		Usage: "download a firmware image into a DFU bootloader over USB",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "firmware image (optionally .xz)"},
			&cli.UintFlag{Name: "vid", Value: 0x1209, Usage: "vendor ID of the bootloader"},
			&cli.UintFlag{Name: "pid", Value: 0x70B1, Usage: "product ID of the bootloader"},
			&cli.UintFlag{Name: "transfer-size", Value: device.MaxTransferSize, Usage: "DNLOAD block size in bytes"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip the confirmation prompt"},
			&cli.BoolFlag{Name: "list", Usage: "list visible USB devices and exit"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "debug, info, warn, or error"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		pkg.LogError(pkg.ComponentHost, "dfuload failed", "err", err)
		os.Exit(1)
	}
}
