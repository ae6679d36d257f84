package forecasting

import "math"

// linearFit is an ordinary least-squares line over (index, value).
type linearFit struct {
	slope     float64
	intercept float64
	// stdErr is the residual standard error sqrt(SSR/(n-2)).
	stdErr float64
	n      int
}

func (f linearFit) predict(x float64) float64 {
	return f.intercept + f.slope*x
}

func fitLinear(vals []float64) linearFit {
	slope, intercept := linearRegression(vals)
	fit := linearFit{slope: slope, intercept: intercept, n: len(vals)}
	if len(vals) > 2 {
		ssr := 0.0
		for i, v := range vals {
			r := v - fit.predict(float64(i))
			ssr += r * r
		}
		fit.stdErr = math.Sqrt(ssr / float64(len(vals)-2))
	}
	return fit
}

func linearRegression(vals []float64) (slope, intercept float64) {
	n := float64(len(vals))
	if n < 2 {
		if n == 1 {
			return 0, vals[0]
		}
		return 0, 0
	}
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, v := range vals {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if math.Abs(denom) < 1e-12 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return
}

// rSquared returns the coefficient of determination for the linear fit.
func rSquared(vals []float64, f linearFit) float64 {
	if len(vals) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	ssTot, ssRes := 0.0, 0.0
	for i, v := range vals {
		pred := f.predict(float64(i))
		ssRes += (v - pred) * (v - pred)
		ssTot += (v - mean) * (v - mean)
	}
	if ssTot < 1e-12 {
		return 1.0
	}
	return 1 - ssRes/ssTot
}
