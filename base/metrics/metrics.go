package metrics

const (
	ClientReqsSentH      = "The total number of NTP requests sent"
	ClientReqsSentN      = "netclock_client_reqs_sent"
	ClientPktsReceivedH  = "The total number of packets received by the NTP client"
	ClientPktsReceivedN  = "netclock_client_pkts_received"
	ClientRespsAcceptedH = "The total number of NTP responses accepted"
	ClientRespsAcceptedN = "netclock_client_resps_accepted"

	AssocSamplesAcceptedH = "The total number of samples accepted per server"
	AssocSamplesAcceptedN = "netclock_assoc_samples_accepted"
	AssocSamplesRejectedH = "The total number of exchanges rejected per server"
	AssocSamplesRejectedN = "netclock_assoc_samples_rejected"
	AssocReachableH       = "Whether the server is currently reachable (1) or not (0)"
	AssocReachableN       = "netclock_assoc_reachable"

	ClockAggregationsH    = "The total number of aggregation passes"
	ClockAggregationsN    = "netclock_clock_aggregations"
	ClockOutliersH        = "The total number of server estimates rejected as outliers"
	ClockOutliersN        = "netclock_clock_outliers"
	ClockOffsetH          = "The currently published network offset in seconds"
	ClockOffsetN          = "netclock_clock_offset_seconds"
	ClockReachableAssocsH = "The number of reachable servers in the last aggregation"
	ClockReachableAssocsN = "netclock_clock_reachable_assocs"

	ServerPktsReceivedH    = "The total number of packets received by the relay server"
	ServerPktsReceivedN    = "netclock_server_pkts_received"
	ServerReqsServedH      = "The total number of requests served by the relay server"
	ServerReqsServedN      = "netclock_server_reqs_served"
	ServerReqsRateLimitedH = "The total number of requests dropped by rate limiting"
	ServerReqsRateLimitedN = "netclock_server_reqs_rate_limited"
)
