package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/jfpfau/linkmesh/internal/sio"
)

// fakeCore is a minimal sio.Core stand-in: a register file plus counters,
// enough to drive and observe one multiplayer round end to end.
type fakeCore struct {
	mu                sync.Mutex
	regs              map[uint32]uint16
	mc                sio.MultiplayerControl
	irqs              int
	cyclesPerTransfer int32
}

func newFakeCore(irq bool, cyclesPerTransfer int32) *fakeCore {
	return &fakeCore{
		regs:              make(map[uint32]uint16),
		mc:                sio.MultiplayerControl{Baud: sio.Baud9600, IRQ: irq},
		cyclesPerTransfer: cyclesPerTransfer,
	}
}

func (c *fakeCore) ReadIO(address uint32) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[address]
}

func (c *fakeCore) WriteIO(address uint32, value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[address] = value
}

func (c *fakeCore) RaiseSIOIRQ() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqs++
}

func (c *fakeCore) MultiplayerControl() sio.MultiplayerControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mc
}

func (c *fakeCore) CyclesPerTransfer(baud sio.Baud, participants int) int32 {
	return c.cyclesPerTransfer
}

func (c *fakeCore) ForceEventDispatch() {}

func (c *fakeCore) irqCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irqs
}

// runEmulatorThread simulates the cycle-driven thread that would otherwise
// call ProcessEvents from the CPU stepping loop: it steps a small number of
// cycles at a time until the node is detached.
func runEmulatorThread(t *testing.T, n *Node, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			n.ProcessEvents(1)
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestTwoNodeTransferRound(t *testing.T) {
	master := mustCreate(t, 0)
	masterPort := boundPort(t, master)
	masterCore := newFakeCore(true, 4)
	master.BindCore(masterCore)
	if err := master.Init(); err != nil {
		t.Fatalf("master.Init: %v", err)
	}
	if err := master.Attach(); err != nil {
		t.Fatalf("Attach master: %v", err)
	}

	slave := mustCreate(t, 0)
	slaveCore := newFakeCore(true, 4)
	slave.BindCore(slaveCore)
	if err := slave.Init(); err != nil {
		t.Fatalf("slave.Init: %v", err)
	}
	if err := ConnectNode(slave, masterPort, "127.0.0.1", "127.0.0.1"); err != nil {
		t.Fatalf("ConnectNode: %v", err)
	}
	if err := slave.Attach(); err != nil {
		t.Fatalf("Attach slave: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return slave.ID() == 1 })
	waitFor(t, 2*time.Second, func() bool { return master.Connected() == 2 })

	stop := make(chan struct{})
	defer close(stop)
	runEmulatorThread(t, master, stop)
	runEmulatorThread(t, slave, stop)

	masterCore.WriteIO(sio.RegSIOMLTSend, 0x1111)
	slaveCore.WriteIO(sio.RegSIOMLTSend, 0x2222)

	master.WriteRegister(sio.RegSIOCNT, 0x0080)

	waitFor(t, 2*time.Second, func() bool {
		return masterCore.ReadIO(sio.RegSIOMulti0) == 0x1111 &&
			masterCore.ReadIO(sio.RegSIOMulti1) == 0x2222
	})
	waitFor(t, 2*time.Second, func() bool {
		return slaveCore.ReadIO(sio.RegSIOMulti0) == 0x1111 &&
			slaveCore.ReadIO(sio.RegSIOMulti1) == 0x2222
	})

	if masterCore.ReadIO(sio.RegSIOMulti2) != TransferValuesFill {
		t.Errorf("master SIOMULTI2 = %04x, want fill value", masterCore.ReadIO(sio.RegSIOMulti2))
	}
	if masterCore.irqCount() < 1 {
		t.Error("master never raised SIO IRQ")
	}
	if slaveCore.irqCount() < 1 {
		t.Error("slave never raised SIO IRQ")
	}

	waitFor(t, 2*time.Second, func() bool { return master.TransferState() == TransferIdle })
	waitFor(t, 2*time.Second, func() bool { return slave.TransferState() == TransferIdle })
}

func TestSlaveStartWriteIsRejected(t *testing.T) {
	slave := mustCreate(t, 0)
	slave.mu.Lock()
	slave.id = 1
	slave.mu.Unlock()
	if err := slave.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	applied := slave.WriteRegister(sio.RegSIOCNT, 0x0080)
	if applied&0x0080 != 0 {
		t.Errorf("start bit not cleared: %04x", applied)
	}
	if slave.TransferState() != TransferIdle {
		t.Errorf("transferState = %v, want IDLE", slave.TransferState())
	}
}

