package features

import (
	"math"

	"NetSentry/internal/model"
)

// VectorSize is the dimensionality of the feature schema the models were
// trained on.
const VectorSize = 37

// Names lists the feature columns in canonical order. The scaler and both
// models index features positionally, so this order must never change.
var Names = [VectorSize]string{
	"flow_duration",
	"Header_Length",
	"Protocol Type",
	"Duration",
	"Rate",
	"Drate",
	"fin_flag_number",
	"syn_flag_number",
	"psh_flag_number",
	"ack_flag_number",
	"ece_flag_number",
	"cwr_flag_number",
	"syn_count",
	"fin_count",
	"urg_count",
	"rst_count",
	"HTTP",
	"HTTPS",
	"DNS",
	"Telnet",
	"SMTP",
	"SSH",
	"IRC",
	"TCP",
	"UDP",
	"DHCP",
	"ARP",
	"ICMP",
	"IPv",
	"Tot sum",
	"Min",
	"Max",
	"AVG",
	"Tot size",
	"IAT",
	"Covariance",
	"Variance",
}

const epsilon = 1e-6

// Extract computes the feature vector for a flow snapshot. It is a pure
// function: the same snapshot always yields a bit-identical vector. NaN and
// infinite values are scrubbed to zero before return.
func Extract(s *model.FlowSnapshot) []float64 {
	v := make([]float64, VectorSize)

	duration := s.Duration().Seconds()
	n := float64(s.PacketCount)

	v[0] = duration
	v[1] = float64(sumHeaderLengths(s))
	v[2] = protocolType(s.Key.Protocol)
	v[3] = float64(s.MinTTL)
	v[4] = n / math.Max(duration, epsilon)
	v[5] = float64(s.DstPackets) / math.Max(duration, epsilon)

	v[6] = boolFeature(s.Flags.Count(model.FlagFIN) > 0)
	v[7] = boolFeature(s.Flags.Count(model.FlagSYN) > 0)
	v[8] = boolFeature(s.Flags.Count(model.FlagPSH) > 0)
	v[9] = boolFeature(s.Flags.Count(model.FlagACK) > 0)
	v[10] = boolFeature(s.Flags.Count(model.FlagECE) > 0)
	v[11] = boolFeature(s.Flags.Count(model.FlagCWR) > 0)

	v[12] = float64(s.Flags.Count(model.FlagSYN))
	v[13] = float64(s.Flags.Count(model.FlagFIN))
	v[14] = float64(s.Flags.Count(model.FlagURG))
	v[15] = float64(s.Flags.Count(model.FlagRST))

	v[16] = boolFeature(s.SawHTTP)
	v[17] = boolFeature(s.SawHTTPS)
	v[18] = boolFeature(s.SawDNS)
	v[19] = boolFeature(s.SawTelnet)
	v[20] = boolFeature(s.SawSMTP)
	v[21] = boolFeature(s.SawSSH)
	v[22] = boolFeature(s.SawIRC)

	v[23] = boolFeature(s.SawTCP)
	v[24] = boolFeature(s.SawUDP)
	v[25] = boolFeature(s.SawDHCP)
	v[26] = boolFeature(s.SawARP)
	v[27] = boolFeature(s.SawICMP)
	v[28] = boolFeature(s.SawIPv4)

	totSum, minSize, maxSize, totPayload := sizeStats(s)
	v[29] = totSum
	v[30] = minSize
	v[31] = maxSize
	if n > 0 {
		v[32] = totSum / n
	}
	v[33] = totPayload
	v[34] = meanIAT(s)
	v[35] = covariance(s)
	v[36] = variance(s)

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

func protocolType(p uint8) float64 {
	switch p {
	case model.ProtoTCP, model.ProtoUDP, model.ProtoICMP:
		return float64(p)
	}
	return 0
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sumHeaderLengths(s *model.FlowSnapshot) uint64 {
	var total uint64
	for _, p := range s.Packets {
		total += uint64(p.HeaderLength)
	}
	return total
}

func sizeStats(s *model.FlowSnapshot) (totSum, minSize, maxSize, totPayload float64) {
	if len(s.Packets) == 0 {
		return 0, 0, 0, 0
	}
	minSize = math.Inf(1)
	for _, p := range s.Packets {
		size := float64(p.Length)
		totSum += size
		totPayload += float64(p.PayloadLength)
		if size < minSize {
			minSize = size
		}
		if size > maxSize {
			maxSize = size
		}
	}
	return totSum, minSize, maxSize, totPayload
}

// meanIAT returns the mean inter-arrival time in seconds, zero for flows with
// fewer than two packets.
func meanIAT(s *model.FlowSnapshot) float64 {
	if len(s.Packets) < 2 {
		return 0
	}
	span := s.Packets[len(s.Packets)-1].Timestamp.Sub(s.Packets[0].Timestamp).Seconds()
	return span / float64(len(s.Packets)-1)
}

// variance is the population variance of packet size, zero for flows with
// fewer than two packets.
func variance(s *model.FlowSnapshot) float64 {
	if len(s.Packets) < 2 {
		return 0
	}
	var mean float64
	for _, p := range s.Packets {
		mean += float64(p.Length)
	}
	mean /= float64(len(s.Packets))
	var acc float64
	for _, p := range s.Packets {
		d := float64(p.Length) - mean
		acc += d * d
	}
	return acc / float64(len(s.Packets))
}

// covariance is the covariance of (packet size, inter-arrival time) over
// adjacent-packet samples, zero for flows with fewer than two packets.
func covariance(s *model.FlowSnapshot) float64 {
	if len(s.Packets) < 2 {
		return 0
	}
	n := len(s.Packets) - 1
	sizes := make([]float64, n)
	iats := make([]float64, n)
	var sizeMean, iatMean float64
	for i := 1; i < len(s.Packets); i++ {
		sizes[i-1] = float64(s.Packets[i].Length)
		iats[i-1] = s.Packets[i].Timestamp.Sub(s.Packets[i-1].Timestamp).Seconds()
		sizeMean += sizes[i-1]
		iatMean += iats[i-1]
	}
	sizeMean /= float64(n)
	iatMean /= float64(n)
	var acc float64
	for i := 0; i < n; i++ {
		acc += (sizes[i] - sizeMean) * (iats[i] - iatMean)
	}
	return acc / float64(n)
}
