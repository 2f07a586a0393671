// Package flashsim provides an in-memory pifs.Flash implementation for
// tests and the pifsutil CLI demo, simulating the one property that
// actually matters to a log-structured NOR filesystem: a Write can only
// clear bits (1→0), never set them, until the next Erase of that block.
package flashsim

import (
	"fmt"
	"os"

	"github.com/pifs-project/pifs/pifs"
)

// Sim is a flat, in-memory flash image.
type Sim struct {
	geom    pifs.Geometry
	erased  byte
	blocks  [][]byte
	reads   int
	writes  int
	erases  int
}

// New allocates a blank (all-erased) simulated device of the given
// geometry.
func New(geom pifs.Geometry, erasedValue byte) *Sim {
	return &Sim{geom: geom, erased: erasedValue}
}

// Init allocates backing storage if it hasn't been already, erasing every
// block.
func (s *Sim) Init() error {
	if s.blocks != nil {
		return nil
	}
	s.blocks = make([][]byte, s.geom.BlockNumAll)
	blockBytes := s.geom.PagesPerBlock * s.geom.PageSize
	for i := range s.blocks {
		s.blocks[i] = make([]byte, blockBytes)
		fillByte(s.blocks[i], s.erased)
	}
	return nil
}

// Delete releases the backing storage. The device must be re-initialized
// (and will come back blank) before further use.
func (s *Sim) Delete() error {
	s.blocks = nil
	return nil
}

func (s *Sim) bounds(ba, pa int32, offset, n int) (int, error) {
	if ba < 0 || int(ba) >= len(s.blocks) {
		return 0, fmt.Errorf("flashsim: block %d out of range", ba)
	}
	if pa < 0 || int(pa) >= s.geom.PagesPerBlock {
		return 0, fmt.Errorf("flashsim: page %d out of range", pa)
	}
	if offset < 0 || n < 0 || offset+n > s.geom.PageSize {
		return 0, fmt.Errorf("flashsim: offset/len %d/%d out of page bounds", offset, n)
	}
	return int(pa)*s.geom.PageSize + offset, nil
}

// Read copies n bytes from physical page (ba, pa) at offset into buf.
func (s *Sim) Read(ba, pa int32, offset int, buf []byte, n int) error {
	if s.blocks == nil {
		return fmt.Errorf("flashsim: not initialized")
	}
	start, err := s.bounds(ba, pa, offset, n)
	if err != nil {
		return err
	}
	s.reads++
	copy(buf[:n], s.blocks[ba][start:start+n])
	return nil
}

// Write ANDs n bytes from buf into physical page (ba, pa) at offset,
// modeling the real hardware constraint that a program operation can only
// clear bits.
func (s *Sim) Write(ba, pa int32, offset int, buf []byte, n int) error {
	if s.blocks == nil {
		return fmt.Errorf("flashsim: not initialized")
	}
	start, err := s.bounds(ba, pa, offset, n)
	if err != nil {
		return err
	}
	s.writes++
	dst := s.blocks[ba][start : start+n]
	for i := 0; i < n; i++ {
		dst[i] &= buf[i]
	}
	return nil
}

// Erase resets every byte of block ba to the configured erased value.
func (s *Sim) Erase(ba int32) error {
	if s.blocks == nil {
		return fmt.Errorf("flashsim: not initialized")
	}
	if ba < 0 || int(ba) >= len(s.blocks) {
		return fmt.Errorf("flashsim: block %d out of range", ba)
	}
	s.erases++
	fillByte(s.blocks[ba], s.erased)
	return nil
}

// Geometry returns the device's fixed geometry.
func (s *Sim) Geometry() pifs.Geometry { return s.geom }

// Stats returns the cumulative read/write/erase call counts, useful for
// tests asserting on wear behavior.
func (s *Sim) Stats() (reads, writes, erases int) { return s.reads, s.writes, s.erases }

// LoadFile reads a previously saved image from path, giving the CLI demo
// persistence across invocations despite Sim itself being in-memory only.
// A missing file is treated as a blank device (Init will allocate it).
func (s *Sim) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	blockBytes := s.geom.PagesPerBlock * s.geom.PageSize
	want := blockBytes * s.geom.BlockNumAll
	if len(data) != want {
		return fmt.Errorf("flashsim: image %s is %d bytes, want %d for this geometry", path, len(data), want)
	}
	s.blocks = make([][]byte, s.geom.BlockNumAll)
	for i := range s.blocks {
		s.blocks[i] = data[i*blockBytes : (i+1)*blockBytes]
	}
	return nil
}

// SaveFile writes the current image to path as a flat byte dump.
func (s *Sim) SaveFile(path string) error {
	if s.blocks == nil {
		return fmt.Errorf("flashsim: not initialized")
	}
	blockBytes := s.geom.PagesPerBlock * s.geom.PageSize
	data := make([]byte, 0, blockBytes*len(s.blocks))
	for _, b := range s.blocks {
		data = append(data, b...)
	}
	return os.WriteFile(path, data, 0o644)
}

func fillByte(buf []byte, v byte) {
	for i := range buf {
		buf[i] = v
	}
}
