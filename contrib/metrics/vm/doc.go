// Package vm exports atlas client statistics as VictoriaMetrics gauges.
//
// Create an exporter around a connected client and expose it over HTTP:
//
//	exporter := vm.New(client)
//	http.HandleFunc("/metrics", exporter.Handler)
//
// Metric names carry the configured prefix, "atlas" by default:
//   - atlas_reads_total, atlas_writes_total, atlas_deletes_total
//   - atlas_batches_total, atlas_scans_total, atlas_queries_total
//   - atlas_retries_total, atlas_timeouts_total, atlas_errors_total
//   - atlas_tend_cycles_total, atlas_nodes_added_total,
//     atlas_nodes_removed_total, atlas_partition_map_rebuilds_total
//   - atlas_cluster_nodes, atlas_node_pool_total{node},
//     atlas_node_pool_idle{node}, atlas_node_failures{node}
//
// Counters are exported through gauge callbacks reading the client's atomic
// snapshots, so scraping never takes a lock inside the client.
package vm
