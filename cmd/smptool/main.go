// Smptool — minimal SMP client.
//
// Sends a single OS-group echo to a device over serial (NLIP), BLE or
// a WebSocket bridge and prints the decoded response. Mostly useful to
// verify that a device's management endpoint is alive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pterm/pterm"

	"github.com/hwtools/smpgo/internal/channel/blechan"
	"github.com/hwtools/smpgo/internal/channel/serialchan"
	"github.com/hwtools/smpgo/internal/channel/wsbridge"
	"github.com/hwtools/smpgo/internal/session"
	"github.com/hwtools/smpgo/internal/smp"
	"github.com/hwtools/smpgo/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	transport := flag.String("transport", "serial", "Transport: serial, ble or ws")
	device := flag.String("device", "", "Serial device path, e.g. /dev/ttyUSB0 (serial)")
	baud := flag.Int("baud", serialchan.DefaultBaudRate, "Serial baud rate")
	addr := flag.String("addr", "", "Device address (ble)")
	name := flag.String("name", "", "Advertised device name (ble)")
	bridgeURL := flag.String("url", "", "Bridge WebSocket URL (ws)")
	opFlag := flag.String("op", "write", "Operation: read or write")
	echoText := flag.String("echo", "hello", "Echo text to send")
	timeout := flag.Duration("timeout", 10*time.Second, "Response timeout")
	verify := flag.Bool("crc", false, "Verify NLIP checksums (serial only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("smptool — v%s", version))

	driver, err := buildDriver(*transport, *device, *baud, *addr, *name, *bridgeURL)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	var opts []session.Option
	if *verify {
		opts = append(opts, session.WithChecksumVerify())
	}

	sess, err := session.New(driver, session.QueueDelivery(0), opts...)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := sess.Connect(ctx); err != nil {
		util.LogError("connect: %v", err)
		os.Exit(1)
	}
	defer sess.Disconnect()

	op := smp.OpWrite
	if *opFlag == "read" {
		op = smp.OpRead
	}

	body, err := cbor.Marshal(map[string]string{"d": *echoText})
	if err != nil {
		util.LogError("encode echo body: %v", err)
		os.Exit(1)
	}

	msg := smp.NewMessage(op, smp.GroupOS, smp.CmdEcho)
	msg.Header.Seq = sess.NextSeq()
	msg.SetPayload(body)

	if err := sess.WriteMessage(ctx, msg); err != nil {
		util.LogError("write: %v", err)
		os.Exit(1)
	}

	rsp, err := sess.ReadMessage(*timeout)
	if err != nil {
		util.LogError("read: %v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("header: op=%d flags=%d group=%d seq=%d id=%d len=%d",
		rsp.Header.Op, rsp.Header.Flags, rsp.Header.Group, rsp.Header.Seq, rsp.Header.ID, rsp.Header.Len))

	var decoded map[string]interface{}
	if err := cbor.Unmarshal(rsp.Payload, &decoded); err != nil {
		util.LogWarning("response payload is not CBOR: %x", rsp.Payload)
	} else {
		pterm.Info.Println(fmt.Sprintf("response: %v", decoded))
	}

	stats := sess.Stats()
	util.LogDebug("tx=%dB rx=%dB msgs=%d/%d frame errors=%d",
		stats.BytesSent, stats.BytesRecv, stats.MsgsSent, stats.MsgsRecv, stats.FrameErrors)
}

// buildDriver maps the -transport flag to a channel driver.
func buildDriver(transport, device string, baud int, addr, name, bridgeURL string) (session.Driver, error) {
	switch transport {
	case "serial":
		if device == "" {
			return nil, fmt.Errorf("-device is required for the serial transport")
		}
		return serialchan.New(serialchan.Config{Device: device, BaudRate: baud}), nil

	case "ble":
		return blechan.New(blechan.Config{Address: addr, Name: name}), nil

	case "ws":
		if bridgeURL == "" {
			return nil, fmt.Errorf("-url is required for the ws transport")
		}
		return wsbridge.New(wsbridge.Config{URL: bridgeURL}), nil

	default:
		return nil, fmt.Errorf("unknown transport %q (want serial, ble or ws)", transport)
	}
}
