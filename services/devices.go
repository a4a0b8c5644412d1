package services

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/bmxx80"
	"periph.io/x/periph/host"
)

// MPU6050 registers.
const (
	mpuRegAccelXOut = 0x3B
	mpuRegPwrMgmt1  = 0x6B
	mpuRegWhoAmI    = 0x75
	mpuWhoAmI       = 0x68

	// LSB per g at the default +-2g range.
	mpuAccelScale = 16384.0
)

// OpenI2C initializes the host drivers and opens the named I2C bus (the
// first one if name is empty).
func OpenI2C(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, Wrap(KindSensor, "host init", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, Wrap(KindSensor, "open i2c", err)
	}
	return bus, nil
}

// MPU6050 reads acceleration from an InvenSense MPU-6050 over I2C.
type MPU6050 struct {
	dev *i2c.Dev
}

// NewMPU6050 checks that an MPU-6050 answers at addr and wakes it up.
func NewMPU6050(bus i2c.Bus, addr uint16) (*MPU6050, error) {
	dev := &i2c.Dev{Bus: bus, Addr: addr}

	id := make([]byte, 1)
	if err := dev.Tx([]byte{mpuRegWhoAmI}, id); err != nil {
		return nil, Wrap(KindSensor, "probe MPU6050", fmt.Errorf("no device at 0x%02x: %w", addr, err))
	}
	if id[0] != mpuWhoAmI {
		return nil, Wrap(KindSensor, "probe MPU6050", fmt.Errorf("unexpected WHO_AM_I 0x%02x at 0x%02x", id[0], addr))
	}
	if err := dev.Tx([]byte{mpuRegPwrMgmt1, 0}, nil); err != nil {
		return nil, Wrap(KindSensor, "wake MPU6050", err)
	}
	return &MPU6050{dev: dev}, nil
}

// ReadAcceleration returns the acceleration in g.
func (m *MPU6050) ReadAcceleration() (Vector, error) {
	raw := make([]byte, 6)
	if err := m.dev.Tx([]byte{mpuRegAccelXOut}, raw); err != nil {
		return Vector{}, err
	}
	axis := func(i int) float64 {
		return float64(int16(binary.BigEndian.Uint16(raw[i:]))) / mpuAccelScale
	}
	return Vector{X: axis(0), Y: axis(2), Z: axis(4)}, nil
}

// BMP280 reads temperature from a Bosch BMP280 barometer.
type BMP280 struct {
	dev *bmxx80.Dev
}

func NewBMP280(bus i2c.Bus, addr uint16) (*BMP280, error) {
	opts := bmxx80.DefaultOpts
	dev, err := bmxx80.NewI2C(bus, addr, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BMP280 at 0x%02x: %w", addr, err)
	}
	return &BMP280{dev: dev}, nil
}

func (b *BMP280) Fahrenheit() (float64, error) {
	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return 0, err
	}
	return CelsiusToFahrenheit(float64(env.Temperature-physic.ZeroCelsius) / float64(physic.Kelvin)), nil
}

func (b *BMP280) Halt() error {
	return b.dev.Halt()
}

func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// GPIOIndicator drives an LED on a GPIO pin.
type GPIOIndicator struct {
	pin       gpio.PinOut
	activeLow bool
}

// NewGPIOIndicator looks up the named pin. The host drivers must already
// be initialized (see OpenI2C).
func NewGPIOIndicator(name string, activeLow bool) (*GPIOIndicator, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, Wrap(KindConfig, "indicator", fmt.Errorf("unknown GPIO pin %q", name))
	}
	return NewPinIndicator(pin, activeLow)
}

// NewPinIndicator drives pin and turns it off.
func NewPinIndicator(pin gpio.PinOut, activeLow bool) (*GPIOIndicator, error) {
	ind := &GPIOIndicator{pin: pin, activeLow: activeLow}
	if err := ind.Set(false); err != nil {
		return nil, Wrap(KindSensor, "indicator", err)
	}
	return ind, nil
}

func (g *GPIOIndicator) Set(on bool) error {
	return g.pin.Out(gpio.Level(on != g.activeLow))
}
