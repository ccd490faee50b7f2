package radio

import (
	"math"
	"time"
)

// TimeOnAir returns the LoRa airtime of a payloadLen-byte frame (Semtech
// AN1200.13). Unknown bandwidth codes yield zero.
func TimeOnAir(m Modulation, payloadLen int) time.Duration {
	bw, err := BandwidthHz(m.Bandwidth)
	if err != nil || m.SpreadingFactor == 0 {
		return 0
	}
	sf := float64(m.SpreadingFactor)
	symbol := math.Pow(2, sf) / float64(bw)

	de := 0.0
	if symbol > 0.016 {
		de = 1
	}
	ih := 0.0
	if m.ImplicitHeader {
		ih = 1
	}
	crc := 0.0
	if m.CRC {
		crc = 1
	}
	cr := float64(m.CodingRate) - 4
	if cr < 1 {
		cr = 1
	}

	num := 8*float64(payloadLen) - 4*sf + 28 + 16*crc - 20*ih
	den := 4 * (sf - 2*de)
	symbols := 8 + math.Max(math.Ceil(num/den)*(cr+4), 0)
	preamble := (float64(m.PreambleLen) + 4.25) * symbol

	return time.Duration((preamble + symbols*symbol) * float64(time.Second))
}

// TransmitBudget is the longest airtime of a maxFrame frame across mods,
// plus margin.
func TransmitBudget(maxFrame int, margin time.Duration, mods ...Modulation) time.Duration {
	var worst time.Duration
	for _, m := range mods {
		if d := TimeOnAir(m, maxFrame); d > worst {
			worst = d
		}
	}
	return worst + margin
}
