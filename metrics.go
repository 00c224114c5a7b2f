// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler returns an HTTP handler serving node metrics in Prometheus format.
// Gauges read node state at scrape time.
func metricsHandler(p *PeerManager) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_chain_height",
			Help: "Height of the main chain tip",
		}, func() float64 {
			_, height, err := p.chainIndex.GetChainTip()
			if err != nil {
				return 0
			}
			return float64(height)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_anchor_queue_length",
			Help: "Number of unconfirmed anchors in the queue",
		}, func() float64 {
			return float64(p.anchorQueue.Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_checkpoint_height",
			Help: "Height of the current sync checkpoint",
		}, func() float64 {
			header, err := p.checkpointSync.LastCheckpointHeader()
			if err != nil || header == nil {
				return 0
			}
			return float64(header.Height)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_checkpoint_enforced",
			Help: "Whether the sync checkpoint is enforced (1) or advisory (0)",
		}, func() float64 {
			if p.checkpointSync.IsEnforced() {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_checkpoint_stale",
			Help: "Whether the sync checkpoint is considered too old (1) or current (0)",
		}, func() float64 {
			stale, err := p.checkpointSync.TooOld(time.Now().Unix())
			if err != nil || !stale {
				return 0
			}
			return 1
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_peer_connections_outbound",
			Help: "Number of outbound peer connections",
		}, func() float64 {
			return float64(p.outboundPeerCount())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_peer_connections_inbound",
			Help: "Number of inbound peer connections",
		}, func() float64 {
			return float64(p.inboundPeerCount())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stanchion_block_download_queue_length",
			Help: "Number of blocks queued for download",
		}, func() float64 {
			return float64(p.blockQueue.Len())
		}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
