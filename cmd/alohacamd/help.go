package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagConfig         string
	flagGeometry       string
	flagFormat         string
	flagSensor         string
	flagBus            string
	flagInput          string
	flagDisplay        string
	flagOverlay        bool
	flagPort           int
	flagStreamPort     int
	flagMDNS           string
	flagHorizontalFlip bool
	flagVerticalFlip   bool
	flagBench          bool
	flagHelp           bool
	flagVersion        bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "Configuration file")
	flag.StringVarP(&flagGeometry, "geometry", "g", "320x240", "Frame size")
	flag.StringVarP(&flagFormat, "format", "f", "jpeg", "Pixel format")
	flag.StringVarP(&flagSensor, "sensor", "s", "", "Sensor family")
	flag.StringVarP(&flagBus, "bus", "", "/dev/i2c-0", "Sensor bus")
	flag.StringVarP(&flagInput, "input", "i", "/dev/video0", "Capture device")
	flag.StringVarP(&flagDisplay, "display", "d", "none", "Display device")
	flag.BoolVarP(&flagOverlay, "overlay", "", false, "Draw frame numbers on the display")
	flag.IntVarP(&flagPort, "port", "p", 80, "HTTP port")
	flag.IntVarP(&flagStreamPort, "stream-port", "", 0, "Separate stream port")
	flag.StringVarP(&flagMDNS, "mdns", "", "alohacam", "mDNS host name")
	flag.BoolVarP(&flagHorizontalFlip, "hflip", "", false, "Flip horizontally")
	flag.BoolVarP(&flagVerticalFlip, "vflip", "", false, "Flip vertically")
	flag.BoolVarP(&flagBench, "bench", "b", false, "Simulated sensor and test pattern")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Camera streaming for connected devices

Usage: alohacamd [OPTION]...

Configuration:
  -c, --config=FILE      YAML configuration file. ALOHACAM_* environment
                         variables override it, and options below override both

Sensor:
  -s, --sensor=NAME      Sensor family, ov2640 or ov3660 (default: probe all)
      --bus=FILE         I2C device the sensor is wired to (default: /dev/i2c-0)
  -g, --geometry=WxH     Frame size (default: 320x240)
  -f, --format=FMT       Pixel format, jpeg or rgb565 (default: jpeg)
      --hflip            Flip video horizontally
      --vflip            Flip video vertically

Capture:
  -i, --input=FILE       Video source, or "testpattern" (default: /dev/video0)
  -b, --bench            Use a simulated sensor and the test pattern

Display:
  -d, --display=FILE     Framebuffer device, or "none" (default: none)
      --overlay          Draw frame numbers on the display

Network:
  -p, --port=NUM         HTTP port (default: 80)
      --stream-port=NUM  Serve /stream on its own port (default: same as --port)
      --mdns=NAME        Answer mDNS queries for NAME.local, empty to disable (default: alohacam)

Miscellaneous:
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Set LOGLEVEL (e.g. LOGLEVEL=debug,stream=3) to adjust logging.

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//         _         _
	//   __ _ | |  ___  | |__    __ _   ___  __ _  _ __ ___
	//  / _` || | / _ \ | '_ \  / _` | / __|/ _` || '_ ` _ \
	// | (_| || || (_) || | | || (_| || (__| (_| || | | | | |
	//  \__,_||_| \___/ |_| |_| \__,_| \___|\__,_||_| |_| |_|

	// Line 1
	r.Printf("        ")
	y.Printf(" _ ")
	b.Printf("       ")
	y.Printf(" _     ")
	r.Printf("       ")
	y.Printf("      ")
	b.Printf("       ")
	y.Println("             ")

	// Line 2
	r.Printf("   __ _ ")
	y.Printf("| |")
	b.Printf("  ___  ")
	y.Printf("| |__  ")
	r.Printf("  __ _ ")
	y.Printf("  ___ ")
	b.Printf(" __ _ ")
	y.Println(" _ __ ___  ")

	// Line 3
	r.Printf("  / _` |")
	y.Printf("| |")
	b.Printf(" / _ \\ ")
	y.Printf("| '_ \\ ")
	r.Printf(" / _` |")
	y.Printf(" / __|")
	b.Printf("/ _` |")
	y.Println("| '_ ` _ \\ ")

	// Line 4
	r.Printf(" | (_| |")
	y.Printf("| |")
	b.Printf("| (_) |")
	y.Printf("| | | |")
	r.Printf("| (_| |")
	y.Printf("| (__ ")
	b.Printf("| (_| |")
	y.Println("| | | | | |")

	// Line 5
	r.Printf("  \\__,_|")
	y.Printf("|_|")
	b.Printf(" \\___/ ")
	y.Printf("|_| |_|")
	r.Printf(" \\__,_|")
	y.Printf(" \\___|")
	b.Printf("\\__,_|")
	y.Println("|_| |_| |_|")

	fmt.Println(helpString)
}
