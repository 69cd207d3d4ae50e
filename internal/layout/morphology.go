package layout

import (
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// dilate applies a kw x kh rectangular dilation iterations times.
// The kernel anchor is its center, so the window spans [x-kw/2, x+kw-1-kw/2].
func dilate(mask []bool, width, height, kw, kh, iterations int) []bool {
	out := mask
	for i := 0; i < iterations; i++ {
		out = dilateRows(out, width, height, kw)
		out = dilateCols(out, width, height, kh)
	}
	return out
}

// dilateRows is the horizontal pass using a running count of set pixels
func dilateRows(mask []bool, width, height, k int) []bool {
	out := make([]bool, len(mask))
	before := k / 2
	after := k - 1 - before

	for y := 0; y < height; y++ {
		row := mask[y*width : (y+1)*width]
		count := 0
		// window for x=0 is [-before, after]
		for x := 0; x <= after && x < width; x++ {
			if row[x] {
				count++
			}
		}
		for x := 0; x < width; x++ {
			out[y*width+x] = count > 0

			if in := x + after + 1; in < width && row[in] {
				count++
			}
			if drop := x - before; drop >= 0 && row[drop] {
				count--
			}
		}
	}
	return out
}

// dilateCols is the vertical pass
func dilateCols(mask []bool, width, height, k int) []bool {
	out := make([]bool, len(mask))
	before := k / 2
	after := k - 1 - before

	for x := 0; x < width; x++ {
		count := 0
		for y := 0; y <= after && y < height; y++ {
			if mask[y*width+x] {
				count++
			}
		}
		for y := 0; y < height; y++ {
			out[y*width+x] = count > 0

			if in := y + after + 1; in < height && mask[in*width+x] {
				count++
			}
			if drop := y - before; drop >= 0 && mask[drop*width+x] {
				count--
			}
		}
	}
	return out
}

// componentBoxes returns the bounding box of every 8-connected foreground component,
// in scan order of each component's first pixel.
func componentBoxes(mask []bool, width, height int) []model.Box {
	labels := make([]int32, len(mask))
	boxes := []model.Box{}
	stack := make([]int, 0, 1024)

	var next int32
	for start, on := range mask {
		if !on || labels[start] != 0 {
			continue
		}
		next++
		labels[start] = next

		x1, y1 := start%width, start/width
		x2, y2 := x1, y1

		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%width, p/width

			x1, x2 = min(x1, px), max(x2, px)
			y1, y2 = min(y1, py), max(y2, py)

			for dy := -1; dy <= 1; dy++ {
				ny := py + dy
				if ny < 0 || ny >= height {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := px + dx
					if nx < 0 || nx >= width || (dx == 0 && dy == 0) {
						continue
					}
					q := ny*width + nx
					if mask[q] && labels[q] == 0 {
						labels[q] = next
						stack = append(stack, q)
					}
				}
			}
		}

		boxes = append(boxes, model.Box{X: x1, Y: y1, W: x2 - x1 + 1, H: y2 - y1 + 1})
	}

	return boxes
}

// dropContained removes boxes lying inside another box; those come from holes
// and would not be external contours.
func dropContained(boxes []model.Box) []model.Box {
	out := make([]model.Box, 0, len(boxes))
	for i, b := range boxes {
		inner := false
		for j, o := range boxes {
			if i == j {
				continue
			}
			if o.ContainsBox(b) && (o != b || j < i) {
				inner = true
				break
			}
		}
		if !inner {
			out = append(out, b)
		}
	}
	return out
}
