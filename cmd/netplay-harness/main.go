// Command netplay-harness is a minimal host that drives netplay.Session
// against an in-memory "emulator": a flat RAM buffer and a no-op
// save-state pair, standing in for the real mupen64plus core. It exists
// to exercise the wiring end to end (vblank loop, controller polling,
// check-sync, optional recording) without a real ROM or GPU.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/spf13/afero"

	"github.com/JimmiTeam/mupen64plus-core/config"
	"github.com/JimmiTeam/mupen64plus-core/diagnostics"
	"github.com/JimmiTeam/mupen64plus-core/netplay"
	"github.com/JimmiTeam/mupen64plus-core/replay"
)

// flatRAM is a fixed-size byte slice satisfying probe.RAM.
type flatRAM []byte

func (r flatRAM) Bytes() []byte { return r }

// nullSnapshotter is a Snapshotter that always reports success with a
// fixed-size zeroed buffer, enough to exercise the State Ring's
// bookkeeping without a real emulator behind it.
type nullSnapshotter struct{ size int }

func (n nullSnapshotter) Save(dst []byte) (int, error) { return n.size, nil }
func (n nullSnapshotter) Restore(src []byte) error     { return nil }

func main() {
	frames := flag.Int("frames", 600, "number of vblanks to simulate")
	record := flag.Bool("record", false, "append each frame's input to a replay log")
	recordPath := flag.String("record-path", "./replays/harness/inputs.bin", "replay log path when -record is set")
	diagAddr := flag.String("diag-addr", "", "diagnostics HTTP listen address (empty to disable)")
	relayHost := flag.String("relay-host", "", "rendezvous broker address (relay_host); empty runs offline")
	token := flag.String("token", "", "rendezvous session token")
	isHost := flag.Bool("is-host", false, "act as the netplay host rather than the client")
	flag.Parse()

	cfg := config.Load()
	if *record {
		cfg.Record = true
		cfg.RecordPath = *recordPath
	}

	ram := make(flatRAM, 8<<20) // 8 MiB, the upper end of the reference RAM size
	sess := netplay.New(ram)

	fs := afero.NewOsFs()
	if cfg.Record {
		w, err := replay.OpenWriter(fs, cfg.RecordPath)
		if err != nil {
			log.Fatalf("[harness] open replay writer: %v", err)
		}
		defer w.Close()
		sess.EnableRecording(w)
	}

	if *relayHost != "" {
		params := netplay.StartParams{
			RelayHost: *relayHost,
			Token:     *token,
			IsHost:    *isHost,
			LocalPort: 0,
			Fs:        fs,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if res := sess.Start(ctx, params, nullSnapshotter{size: 16 << 20}); !res.Ok() {
			log.Fatalf("[harness] netplay start failed: %v", res)
		}
		log.Printf("[harness] netplay session established, local port %d", params.LocalPort)
	}

	if *diagAddr != "" {
		srv := diagnostics.New(sess)
		go func() {
			if err := srv.Echo().Start(*diagAddr); err != nil {
				log.Printf("[harness] diagnostics server stopped: %v", err)
			}
		}()
		log.Printf("[harness] diagnostics listening on %s", *diagAddr)
	}

	cp0 := make([]uint32, 32)
	pif := &netplay.PIF{}
	for f := 0; f < *frames; f++ {
		if res := sess.OnVBlank(); !res.Ok() {
			log.Fatalf("[harness] on_vblank: %v", res)
		}
		for p := range pif.Channels {
			pif.Channels[p] = netplay.PIFChannel{
				Tx:    true,
				TxBuf: []byte{netplay.JCMDControllerRead},
				RxBuf: make([]byte, 4),
			}
		}
		if res := sess.UpdateInput(pif); !res.Ok() {
			log.Fatalf("[harness] update_input: %v", res)
		}
		if res := sess.CheckSync(cp0); !res.Ok() {
			log.Fatalf("[harness] check_sync: %v", res)
		}
	}

	if res := sess.Shutdown(); !res.Ok() {
		log.Fatalf("[harness] shutdown: %v", res)
	}
	log.Printf("[harness] simulated %d frames cleanly", *frames)
}
