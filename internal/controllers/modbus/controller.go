package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/procwise/pidloop/internal/loop"
	"github.com/procwise/pidloop/internal/ports"
)

// Register map.
//
// Input registers (read-only telemetry, x100 scaled int16):
//	0	process value
//	1	control output
//
// Holding registers:
//	0	setpoint	(x100)
//	1	tieback		(x100)
//	2	kp		(x1000)
//	3	ki		(x1000)
//	4	kd		(x1000)
//	5	deadband	(x100)
//	6	min interval	(raw microseconds)
//
// Coils:
//	0	manual mode
//	1	deadband enabled
const (
	regSetpoint = iota
	regTieback
	regKp
	regKi
	regKd
	regDeadband
	regMinInterval
	holdingRegCount
)

const (
	coilManual = iota
	coilDeadbandOn
	coilCount
)

const inputRegCount = 2

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // Modbus slave/unit ID, 1..247.
}

type Controller struct {
	svc ports.LoopService
	cfg Config

	serv *mbserver.Server
}

func New(svc ports.LoopService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	return &Controller{svc: svc, cfg: cfg}, nil
}

// Run starts the Modbus server with handlers that read from and write through
// the loop service directly. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Handlers are registered before the TCP listener starts to avoid races
	// inside mbserver between registration and its serving goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, c.readHoldingRegisters)
	serv.RegisterFunctionHandler(4, c.readInputRegisters)
	serv.RegisterFunctionHandler(5, c.writeSingleCoil)
	serv.RegisterFunctionHandler(6, c.writeSingleRegister)
	serv.RegisterFunctionHandler(16, c.writeMultipleRegisters)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// readRange parses the (start, quantity) request header shared by the read
// functions and bounds-checks it against the register count.
func readRange(frame mbserver.Framer, count int, maxQty int) (start, qty int, ex *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start = int(binary.BigEndian.Uint16(data[0:2]))
	qty = int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > maxQty {
		return 0, 0, &mbserver.IllegalDataValue
	}
	if start+qty > count {
		return 0, 0, &mbserver.IllegalDataAddress
	}
	return start, qty, &mbserver.Success
}

func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := readRange(frame, coilCount, 2000)
	if ex != &mbserver.Success {
		return []byte{}, ex
	}
	snap := c.svc.Get()
	coils := [coilCount]bool{coilManual: snap.Manual, coilDeadbandOn: snap.DeadbandOn}

	b := byte(0)
	for i := 0; i < qty; i++ {
		if coils[start+i] {
			b |= 1 << i
		}
	}
	// response: byte count (1) + coil bytes
	return []byte{1, b}, &mbserver.Success
}

func (c *Controller) readHoldingRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := readRange(frame, holdingRegCount, 125)
	if ex != &mbserver.Success {
		return []byte{}, ex
	}
	snap := c.svc.Get()
	regs := make([]uint16, qty)
	for i := range regs {
		regs[i] = holdingRegValue(snap, start+i)
	}
	return packRegisters(regs), &mbserver.Success
}

func (c *Controller) readInputRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := readRange(frame, inputRegCount, 125)
	if ex != &mbserver.Success {
		return []byte{}, ex
	}
	snap := c.svc.Get()
	telemetry := [inputRegCount]uint16{
		encodeValue(snap.ProcessValue),
		encodeValue(snap.Output),
	}
	return packRegisters(telemetry[start : start+qty]), &mbserver.Success
}

func (c *Controller) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	var on bool
	switch value {
	case 0x0000:
		on = false
	case 0xFF00:
		on = true
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	switch addr {
	case coilManual:
		c.svc.SetManual(on)
	case coilDeadbandOn:
		cur := c.svc.Get()
		if err := c.svc.SetDeadband(cur.Deadband, on); err != nil {
			return []byte{}, &mbserver.IllegalDataValue
		}
	default:
		return []byte{}, &mbserver.IllegalDataAddress
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])

	if ex := c.applyRegisterWrite(addr, value); ex != &mbserver.Success {
		return []byte{}, ex
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := 0; i < int(quantity); i++ {
		addr := int(start) + i
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if ex := c.applyRegisterWrite(addr, val); ex != &mbserver.Success {
			return []byte{}, ex
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) applyRegisterWrite(addr int, value uint16) *mbserver.Exception {
	switch addr {
	case regSetpoint:
		if err := c.svc.SetSetpoint(decodeValue(value)); err != nil {
			return &mbserver.IllegalDataValue
		}
	case regTieback:
		c.svc.SetTieback(decodeValue(value))
	case regKp, regKi, regKd:
		g := c.svc.Get().Gains
		switch addr {
		case regKp:
			g.Kp = decodeGain(value)
		case regKi:
			g.Ki = decodeGain(value)
		case regKd:
			g.Kd = decodeGain(value)
		}
		if err := c.svc.SetGains(g); err != nil {
			return &mbserver.IllegalDataValue
		}
	case regDeadband:
		cur := c.svc.Get()
		if err := c.svc.SetDeadband(decodeValue(value), cur.DeadbandOn); err != nil {
			return &mbserver.IllegalDataValue
		}
	case regMinInterval:
		if err := c.svc.SetMinInterval(uint64(value)); err != nil {
			return &mbserver.IllegalDataValue
		}
	default:
		return &mbserver.IllegalDataAddress
	}
	return &mbserver.Success
}

func holdingRegValue(snap loop.Snapshot, addr int) uint16 {
	switch addr {
	case regSetpoint:
		return encodeValue(snap.Setpoint)
	case regTieback:
		return encodeValue(snap.Tieback)
	case regKp:
		return encodeGain(snap.Gains.Kp)
	case regKi:
		return encodeGain(snap.Gains.Ki)
	case regKd:
		return encodeGain(snap.Gains.Kd)
	case regDeadband:
		return encodeValue(snap.Deadband)
	case regMinInterval:
		if snap.MinInterval > math.MaxUint16 {
			return math.MaxUint16
		}
		return uint16(snap.MinInterval)
	}
	return 0
}

func packRegisters(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
}

// Scaled int16 wire encoding, like most compact Modbus process maps.
const (
	ValueScale = 100
	GainScale  = 1000
)

func encodeValue(v float64) uint16 { return encodeScaled(v, ValueScale) }
func decodeValue(u uint16) float64 { return decodeScaled(u, ValueScale) }
func encodeGain(v float64) uint16  { return encodeScaled(v, GainScale) }
func decodeGain(u uint16) float64  { return decodeScaled(u, GainScale) }

func encodeScaled(v float64, scale int) uint16 {
	f := math.Round(v * float64(scale))
	if f > math.MaxInt16 {
		f = math.MaxInt16
	} else if f < math.MinInt16 {
		f = math.MinInt16
	}
	return uint16(int16(f))
}

func decodeScaled(u uint16, scale int) float64 {
	return float64(int16(u)) / float64(scale)
}
