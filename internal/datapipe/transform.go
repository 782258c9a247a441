package datapipe

import "math"

// Transform applies the configured transformations to an accepted value.
func (c *Config) Transform(v Value) Value {
	t := c.Transformations
	if t == nil {
		return v
	}
	switch v.Type {
	case InputNumber:
		if t.MultiplicationRatio != nil {
			v.Number *= *t.MultiplicationRatio
		}
		if t.RoundDecimalPoint != nil {
			scale := math.Pow(10, float64(*t.RoundDecimalPoint))
			v.Number = math.Round(v.Number*scale) / scale
		}
	case InputText:
		if t.SliceStart == nil && t.SliceEnd == nil {
			return v
		}
		runes := []rune(v.Text)
		start, end := 0, len(runes)
		if t.SliceStart != nil {
			start = min(*t.SliceStart, len(runes))
		}
		if t.SliceEnd != nil {
			end = min(*t.SliceEnd, len(runes))
		}
		if start > end {
			start = end
		}
		v.Text = string(runes[start:end])
	}
	return v
}
