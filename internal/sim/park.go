package sim

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Park action types.
const (
	ActionSetParkName  uint32 = 1
	ActionRaiseLand    uint32 = 2
	ActionLowerLand    uint32 = 3
	ActionBuildRide    uint32 = 4
	ActionRemoveRide   uint32 = 5
	ActionSetRidePrice uint32 = 6
	ActionAddCash      uint32 = 7
)

var parkActions = map[uint32]ActionInfo{
	ActionSetParkName:  {Name: "set_park_name", Permission: "set_park_name"},
	ActionRaiseLand:    {Name: "raise_land", Permission: "terraform"},
	ActionLowerLand:    {Name: "lower_land", Permission: "terraform"},
	ActionBuildRide:    {Name: "build_ride", Permission: "build_ride"},
	ActionRemoveRide:   {Name: "remove_ride", Permission: "remove_ride"},
	ActionSetRidePrice: {Name: "set_ride_price", Permission: "edit_ride"},
	ActionAddCash:      {Name: "add_cash", Permission: "cheat"},
}

const (
	MaxLandHeight    = 31
	RideCost         = 1000
	StartingCash     = 10000
	maxParkNameBytes = 64
)

// Ride is a placed attraction.
type Ride struct {
	ID    uint32 `json:"id"`
	Owner uint32 `json:"owner"`
	Kind  uint8  `json:"kind"`
	X     uint16 `json:"x"`
	Y     uint16 `json:"y"`
	Price uint16 `json:"price"`
}

type parkState struct {
	Tick       uint32  `json:"tick"`
	RNG        uint64  `json:"rng"`
	Name       string  `json:"name"`
	Cash       int64   `json:"cash"`
	Guests     uint32  `json:"guests"`
	Width      uint16  `json:"width"`
	Height     uint16  `json:"height"`
	Land       []uint8 `json:"land"`
	Rides      []Ride  `json:"rides"`
	NextRideID uint32  `json:"next_ride_id"`
}

// Park is a small deterministic park: a height map, rides that earn money
// from guests and a xorshift random stream. It exists so the session can
// be exercised end to end without the real game.
type Park struct {
	s parkState
}

var _ Simulation = (*Park)(nil)

// NewPark creates a flat park.
func NewPark(seed uint64, width, height uint16) *Park {
	if seed == 0 {
		seed = 1
	}
	land := make([]uint8, int(width)*int(height))
	for i := range land {
		land[i] = 8
	}
	return &Park{s: parkState{
		RNG:        seed,
		Name:       "Parknet Park",
		Cash:       StartingCash,
		Width:      width,
		Height:     height,
		Land:       land,
		Rides:      []Ride{},
		NextRideID: 1,
	}}
}

func (p *Park) Tick() uint32 { return p.s.Tick }

func (p *Park) Seed() uint32 { return uint32(p.s.RNG) }

func (p *Park) Describe(actionType uint32) (ActionInfo, bool) {
	info, ok := parkActions[actionType]
	return info, ok
}

// Name returns the park name.
func (p *Park) Name() string { return p.s.Name }

// Cash returns the park's balance.
func (p *Park) Cash() int64 { return p.s.Cash }

// Guests returns the number of guests in the park.
func (p *Park) Guests() uint32 { return p.s.Guests }

// Rides returns a copy of the placed rides.
func (p *Park) Rides() []Ride {
	out := make([]Ride, len(p.s.Rides))
	copy(out, p.s.Rides)
	return out
}

// LandHeight returns the height of a tile.
func (p *Park) LandHeight(x, y uint16) (uint8, bool) {
	if x >= p.s.Width || y >= p.s.Height {
		return 0, false
	}
	return p.s.Land[int(y)*int(p.s.Width)+int(x)], true
}

func (p *Park) Validate(a Action) error {
	return p.apply(a, false)
}

func (p *Park) Step(actions []Action) []error {
	results := make([]error, len(actions))
	for i, a := range actions {
		results[i] = p.apply(a, true)
	}

	r := p.next()
	if len(p.s.Rides) > 0 && r%4 == 0 {
		p.s.Guests++
	}
	if p.s.Guests > 0 && r%16 == 1 {
		p.s.Guests--
	}
	if p.s.Guests > 0 && r%8 == 0 {
		for _, ride := range p.s.Rides {
			p.s.Cash += int64(ride.Price) * int64(p.s.Guests%7+1)
		}
	}
	p.s.Tick++
	return results
}

func (p *Park) Checksum() string {
	data, err := p.Save()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (p *Park) Save() ([]byte, error) {
	return json.Marshal(&p.s)
}

func (p *Park) Load(state []byte) error {
	var s parkState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCorrupted, err)
	}
	if len(s.Land) != int(s.Width)*int(s.Height) {
		return fmt.Errorf("%w: land is %d tiles, want %dx%d", ErrStateCorrupted, len(s.Land), s.Width, s.Height)
	}
	if s.RNG == 0 {
		return fmt.Errorf("%w: zero random state", ErrStateCorrupted)
	}
	if s.Rides == nil {
		s.Rides = []Ride{}
	}
	p.s = s
	return nil
}

// next advances the xorshift64* stream.
func (p *Park) next() uint64 {
	x := p.s.RNG
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	p.s.RNG = x
	return x * 2685821657736338717
}

func (p *Park) rideIndex(id uint32) int {
	for i, r := range p.s.Rides {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// apply validates a and, when commit is set, mutates the state.
func (p *Park) apply(a Action, commit bool) error {
	switch a.Type {
	case ActionSetParkName:
		name := string(a.Params)
		if name == "" || len(name) > maxParkNameBytes || !utf8.ValidString(name) {
			return fmt.Errorf("%w: park name", ErrInvalidParams)
		}
		if commit {
			p.s.Name = name
		}

	case ActionRaiseLand, ActionLowerLand:
		x, y, err := decodeTile(a.Params)
		if err != nil {
			return err
		}
		h, ok := p.LandHeight(x, y)
		if !ok {
			return fmt.Errorf("%w: tile %d,%d outside the park", ErrInvalidParams, x, y)
		}
		if a.Type == ActionRaiseLand && h >= MaxLandHeight {
			return fmt.Errorf("%w: land already at maximum height", ErrActionFailed)
		}
		if a.Type == ActionLowerLand && h == 0 {
			return fmt.Errorf("%w: land already at minimum height", ErrActionFailed)
		}
		if commit {
			idx := int(y)*int(p.s.Width) + int(x)
			if a.Type == ActionRaiseLand {
				p.s.Land[idx]++
			} else {
				p.s.Land[idx]--
			}
		}

	case ActionBuildRide:
		if len(a.Params) != 5 {
			return fmt.Errorf("%w: build ride wants 5 bytes", ErrInvalidParams)
		}
		kind := a.Params[0]
		x, y, _ := decodeTile(a.Params[1:])
		if _, ok := p.LandHeight(x, y); !ok {
			return fmt.Errorf("%w: tile %d,%d outside the park", ErrInvalidParams, x, y)
		}
		for _, r := range p.s.Rides {
			if r.X == x && r.Y == y {
				return fmt.Errorf("%w: tile %d,%d occupied by ride %d", ErrActionFailed, x, y, r.ID)
			}
		}
		if p.s.Cash < RideCost {
			return fmt.Errorf("%w: not enough cash", ErrActionFailed)
		}
		if commit {
			p.s.Cash -= RideCost
			p.s.Rides = append(p.s.Rides, Ride{
				ID: p.s.NextRideID, Owner: a.PlayerID, Kind: kind, X: x, Y: y, Price: 5,
			})
			p.s.NextRideID++
		}

	case ActionRemoveRide:
		if len(a.Params) != 4 {
			return fmt.Errorf("%w: remove ride wants 4 bytes", ErrInvalidParams)
		}
		idx := p.rideIndex(binary.LittleEndian.Uint32(a.Params))
		if idx < 0 {
			return fmt.Errorf("%w: no such ride", ErrActionFailed)
		}
		if commit {
			p.s.Cash += RideCost / 2
			p.s.Rides = append(p.s.Rides[:idx], p.s.Rides[idx+1:]...)
		}

	case ActionSetRidePrice:
		if len(a.Params) != 6 {
			return fmt.Errorf("%w: set ride price wants 6 bytes", ErrInvalidParams)
		}
		idx := p.rideIndex(binary.LittleEndian.Uint32(a.Params))
		if idx < 0 {
			return fmt.Errorf("%w: no such ride", ErrActionFailed)
		}
		if commit {
			p.s.Rides[idx].Price = binary.LittleEndian.Uint16(a.Params[4:])
		}

	case ActionAddCash:
		if len(a.Params) != 4 {
			return fmt.Errorf("%w: add cash wants 4 bytes", ErrInvalidParams)
		}
		if commit {
			p.s.Cash += int64(int32(binary.LittleEndian.Uint32(a.Params)))
		}

	default:
		return fmt.Errorf("%w: %d", ErrUnknownAction, a.Type)
	}
	return nil
}

func decodeTile(params []byte) (uint16, uint16, error) {
	if len(params) != 4 {
		return 0, 0, fmt.Errorf("%w: tile wants 4 bytes", ErrInvalidParams)
	}
	return binary.LittleEndian.Uint16(params), binary.LittleEndian.Uint16(params[2:]), nil
}

// TileParams encodes the parameters of ActionRaiseLand and ActionLowerLand.
func TileParams(x, y uint16) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b, x)
	binary.LittleEndian.PutUint16(b[2:], y)
	return b
}

// BuildRideParams encodes the parameters of ActionBuildRide.
func BuildRideParams(kind uint8, x, y uint16) []byte {
	return append([]byte{kind}, TileParams(x, y)...)
}

// RideParams encodes the parameters of ActionRemoveRide.
func RideParams(id uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b
}

// RidePriceParams encodes the parameters of ActionSetRidePrice.
func RidePriceParams(id uint32, price uint16) []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint32(b, id)
	binary.LittleEndian.PutUint16(b[4:], price)
	return b
}

// CashParams encodes the parameters of ActionAddCash.
func CashParams(amount int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(amount))
	return b
}

// ActionTypeByName resolves a park action name such as "build_ride".
func ActionTypeByName(name string) (uint32, bool) {
	for t, info := range parkActions {
		if info.Name == name {
			return t, true
		}
	}
	return 0, false
}
