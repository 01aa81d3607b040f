package sdspi_test

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OffBroadway/sdspi/pkg/cardsim"
	"github.com/OffBroadway/sdspi/pkg/diskio"
	"github.com/OffBroadway/sdspi/pkg/sdspi"
)

var sdhc = cardsim.Options{Version: cardsim.V2, HighCapacity: true, Sectors: 64}

func pattern(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// dataCommands returns the CMD17/CMD24 packets received since the last
// ResetLog.
func dataCommands(sim *cardsim.Card) []cardsim.Command {
	var cmds []cardsim.Command
	for _, cmd := range sim.Commands() {
		if cmd.Index == 17 || cmd.Index == 24 {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func TestWriteThenRead(t *testing.T) {
	card, sim := initCard(t, sdhc, fastConfig())
	if card.Status()&diskio.StatusNoInit != 0 {
		t.Fatal("StatusNoInit still set")
	}

	data := bytes.Repeat([]byte{0x41}, 512)
	if err := card.WriteSectors(data, 0, 1); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	got := make([]byte, 512)
	if err := card.ReadSectors(got, 0, 1); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back %x, want %x", got[:16], data[:16])
	}
	checkBus(t, sim)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		opts   cardsim.Options
		sector uint32
		count  uint32
	}{
		{"single", sdhc, 5, 1},
		{"several", sdhc, 10, 7},
		{"last sectors", sdhc, 60, 4},
		{"slow card", cardsim.Options{Version: cardsim.V2, HighCapacity: true, Sectors: 64, ResponseDelay: 3, ReadLatency: 40, BusyBytes: 50}, 3, 3},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card, sim := initCard(t, tt.opts, fastConfig())
			data := pattern(int64(i), int(tt.count)*512)
			if err := card.WriteSectors(data, tt.sector, tt.count); err != nil {
				t.Fatalf("WriteSectors: %v", err)
			}
			for n := uint32(0); n < tt.count; n++ {
				stored, err := sim.Sector(tt.sector + n)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(stored, data[n*512:(n+1)*512]) {
					t.Errorf("sector %d not stored", tt.sector+n)
				}
			}

			got := make([]byte, len(data))
			if err := card.ReadSectors(got, tt.sector, tt.count); err != nil {
				t.Fatalf("ReadSectors: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("read back differs from written data")
			}
			checkBus(t, sim)
		})
	}
}

func TestZeroCountIsParameterError(t *testing.T) {
	card, sim := newCard(t, sdhc, fastConfig())
	buf := make([]byte, 512)

	check := func(when string) {
		if err := card.ReadSectors(buf, 0, 0); !errors.Is(err, diskio.ResultParameterError) {
			t.Errorf("ReadSectors count 0 %s = %v, want ResultParameterError", when, err)
		}
		if err := card.WriteSectors(buf, 0, 0); !errors.Is(err, diskio.ResultParameterError) {
			t.Errorf("WriteSectors count 0 %s = %v, want ResultParameterError", when, err)
		}
	}

	check("before init")
	if n := sim.Transfers(); n != 0 {
		t.Errorf("%d transfers for rejected requests", n)
	}
	if _, err := card.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	check("after init")
}

func TestNotReadyIssuesNoTraffic(t *testing.T) {
	card, sim := newCard(t, sdhc, fastConfig())
	buf := make([]byte, 4*512)

	if err := card.ReadSectors(buf, 0, 4); !errors.Is(err, diskio.ResultNotReady) {
		t.Errorf("ReadSectors = %v, want ResultNotReady", err)
	}
	if err := card.WriteSectors(buf, 0, 4); !errors.Is(err, diskio.ResultNotReady) {
		t.Errorf("WriteSectors = %v, want ResultNotReady", err)
	}
	if n := sim.Transfers(); n != 0 {
		t.Errorf("%d transfers on a card that is not initialized", n)
	}
}

func TestParameterChecks(t *testing.T) {
	card, _ := initCard(t, sdhc, fastConfig())

	if err := card.ReadSectors(make([]byte, 1000), 0, 2); !errors.Is(err, diskio.ResultParameterError) {
		t.Errorf("short read buffer = %v, want ResultParameterError", err)
	}
	if err := card.WriteSectors(make([]byte, 511), 0, 1); !errors.Is(err, diskio.ResultParameterError) {
		t.Errorf("short write buffer = %v, want ResultParameterError", err)
	}
	if err := card.ReadSectors(make([]byte, 1024), 0xFFFFFFFF, 2); !errors.Is(err, diskio.ResultParameterError) {
		t.Errorf("wrapping sector range = %v, want ResultParameterError", err)
	}
}

func TestWriteDataRejected(t *testing.T) {
	opts := sdhc
	opts.DataResponse = 0x0B // CRC error
	card, sim := initCard(t, opts, fastConfig())
	sim.ResetLog()

	err := card.WriteSectors(pattern(1, 3*512), 2, 3)
	if !errors.Is(err, diskio.ResultError) {
		t.Fatalf("WriteSectors = %v, want ResultError", err)
	}
	if n := len(dataCommands(sim)); n != 1 {
		t.Errorf("sent %d CMD24, want 1", n)
	}
	stored, _ := sim.Sector(2)
	if !bytes.Equal(stored, make([]byte, 512)) {
		t.Error("rejected block was stored")
	}
	checkBus(t, sim)
}

func TestWriteBusyTimeout(t *testing.T) {
	opts := sdhc
	opts.BusyForever = true
	cfg := fastConfig()
	cfg.Timeouts.BusyPolls = 100
	card, sim := initCard(t, opts, cfg)
	sim.ResetLog()

	err := card.WriteSectors(pattern(2, 2*512), 0, 2)
	if !errors.Is(err, diskio.ResultError) {
		t.Fatalf("WriteSectors = %v, want ResultError", err)
	}
	if n := len(dataCommands(sim)); n != 1 {
		t.Errorf("sent %d CMD24, want 1", n)
	}
	// command packet, token, data, CRC, data response, bounded busy polls
	if n := sim.Transfers(); n > 600+cfg.Timeouts.BusyPolls+10 {
		t.Errorf("%d transfers, busy wait not bounded", n)
	}
	checkBus(t, sim)
}

func TestWriteStopsAtFirstFailingSector(t *testing.T) {
	opts := sdhc
	opts.Sectors = 4
	card, sim := initCard(t, opts, fastConfig())

	data := pattern(3, 4*512)
	err := card.WriteSectors(data, 2, 4)
	if !errors.Is(err, diskio.ResultError) {
		t.Fatalf("WriteSectors past the end = %v, want ResultError", err)
	}
	for n := uint32(0); n < 2; n++ {
		stored, _ := sim.Sector(2 + n)
		if !bytes.Equal(stored, data[n*512:(n+1)*512]) {
			t.Errorf("sector %d before the failure not written", 2+n)
		}
	}
	if n := len(dataCommands(sim)); n != 3 {
		t.Errorf("sent %d CMD24, want 3", n)
	}
	checkBus(t, sim)
}

func TestReadFailures(t *testing.T) {
	tests := []struct {
		name string
		opts cardsim.Options
	}{
		{"token never arrives", cardsim.Options{NoReadToken: true}},
		{"token too late", cardsim.Options{ReadLatency: 200}},
		{"error token", cardsim.Options{ReadToken: 0x08}},
		{"command rejected", cardsim.Options{Responses: map[byte]byte{17: 0x20}}},
		{"no response", cardsim.Options{Responses: map[byte]byte{17: 0xFF}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Version = cardsim.V2
			opts.HighCapacity = true
			opts.Sectors = 16
			card, sim := initCard(t, opts, fastConfig())
			sim.ResetLog()

			buf := make([]byte, 3*512)
			err := card.ReadSectors(buf, 1, 3)
			if !errors.Is(err, diskio.ResultError) {
				t.Fatalf("ReadSectors = %v, want ResultError", err)
			}
			if n := len(dataCommands(sim)); n != 1 {
				t.Errorf("sent %d CMD17, want 1", n)
			}
			checkBus(t, sim)
		})
	}
}

func TestReadLatencyWithinBound(t *testing.T) {
	opts := sdhc
	opts.ReadLatency = 60
	card, sim := initCard(t, opts, fastConfig())
	data := pattern(4, 512)
	if err := sim.SetSector(9, data); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 512)
	if err := card.ReadSectors(got, 9, 1); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back differs from stored data")
	}
}

func TestAddressing(t *testing.T) {
	sdsc := cardsim.Options{Version: cardsim.V2, Sectors: 1024}

	tests := []struct {
		name     string
		opts     cardsim.Options
		mode     sdspi.Addressing
		wantArgs []uint32
	}{
		{"sector mode on SDHC", sdhc, sdspi.AddressSector, []uint32{3, 4, 3, 4}},
		{"byte mode on SDSC", sdsc, sdspi.AddressByte, []uint32{3 * 512, 4 * 512, 3 * 512, 4 * 512}},
		{"auto on SDHC", sdhc, sdspi.AddressAuto, []uint32{3, 4, 3, 4}},
		{"auto on SDSC", sdsc, sdspi.AddressAuto, []uint32{3 * 512, 4 * 512, 3 * 512, 4 * 512}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			cfg.Addressing = tt.mode
			card, sim := initCard(t, tt.opts, cfg)
			sim.ResetLog()

			data := pattern(int64(10+i), 2*512)
			if err := card.WriteSectors(data, 3, 2); err != nil {
				t.Fatalf("WriteSectors: %v", err)
			}
			got := make([]byte, len(data))
			if err := card.ReadSectors(got, 3, 2); err != nil {
				t.Fatalf("ReadSectors: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("read back differs")
			}
			stored, _ := sim.Sector(4)
			if !bytes.Equal(stored, data[512:]) {
				t.Error("sector 4 does not hold the second block")
			}

			var args []uint32
			for _, cmd := range dataCommands(sim) {
				args = append(args, cmd.Arg)
			}
			if diff := cmp.Diff(tt.wantArgs, args); diff != "" {
				t.Errorf("command arguments mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSectorAddressingOnStandardCapacityCard(t *testing.T) {
	// Raw sector indexes only line up with a byte addressed card at sector 0.
	card, sim := initCard(t, cardsim.Options{Version: cardsim.V2, Sectors: 1024}, fastConfig())

	if err := card.WriteSectors(pattern(20, 512), 0, 1); err != nil {
		t.Fatalf("WriteSectors sector 0: %v", err)
	}
	err := card.WriteSectors(pattern(21, 512), 1, 1)
	if !errors.Is(err, diskio.ResultError) {
		t.Fatalf("WriteSectors sector 1 = %v, want ResultError", err)
	}
	checkBus(t, sim)
}

func TestByteAddressingOnHighCapacityCard(t *testing.T) {
	cfg := fastConfig()
	cfg.Addressing = sdspi.AddressByte
	opts := sdhc
	opts.Sectors = 1024
	card, sim := initCard(t, opts, cfg)

	data := pattern(22, 512)
	if err := card.WriteSectors(data, 1, 1); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	// the card reads the byte offset as a block number
	stored, _ := sim.Sector(512)
	if !bytes.Equal(stored, data) {
		t.Error("block not found at sector 512")
	}
}

func TestByteAddressOverflow(t *testing.T) {
	cfg := fastConfig()
	cfg.Addressing = sdspi.AddressByte
	card, _ := initCard(t, sdhc, cfg)
	err := card.ReadSectors(make([]byte, 512), 1<<23, 1)
	if !errors.Is(err, diskio.ResultParameterError) {
		t.Errorf("ReadSectors = %v, want ResultParameterError", err)
	}
}

// faultyBus fails every transfer after the first limit ones.
type faultyBus struct {
	sdspi.Bus
	limit int
	n     int
}

var errWire = errors.New("wire cut")

func (b *faultyBus) Transfer(w byte) (byte, error) {
	b.n++
	if b.n > b.limit {
		return 0xFF, errWire
	}
	return b.Bus.Transfer(w)
}

func TestBusErrorDuringRead(t *testing.T) {
	sim := cardsim.NewMem(sdhc)
	defer sim.Close()
	bus := &faultyBus{Bus: sim, limit: 1 << 30}
	card := sdspi.New(bus, fastConfig())
	if _, err := card.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	bus.limit = bus.n + 100
	err := card.ReadSectors(make([]byte, 512), 0, 1)
	if !errors.Is(err, diskio.ResultError) || !errors.Is(err, errWire) {
		t.Fatalf("ReadSectors = %v, want ResultError wrapping the bus error", err)
	}
	if sim.Selected() {
		t.Error("card left selected after bus error")
	}
}

func TestBusErrorDuringInitialize(t *testing.T) {
	sim := cardsim.NewMem(sdhc)
	defer sim.Close()
	card := sdspi.New(&faultyBus{Bus: sim, limit: 5}, fastConfig())

	_, err := card.Initialize()
	var ierr *sdspi.InitError
	if !errors.As(err, &ierr) || ierr.Stage != sdspi.StageBus || !errors.Is(err, errWire) {
		t.Fatalf("Initialize = %v, want bus stage InitError wrapping the bus error", err)
	}
}

func TestConcurrentCallers(t *testing.T) {
	card, sim := initCard(t, sdhc, fastConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			sector := uint32(g * 4)
			data := pattern(int64(100+g), 4*512)
			if err := card.WriteSectors(data, sector, 4); err != nil {
				errs <- err
				return
			}
			got := make([]byte, len(data))
			if err := card.ReadSectors(got, sector, 4); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, data) {
				errs <- errors.New("data mismatch")
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	checkBus(t, sim)
}
