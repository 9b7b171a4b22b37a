// Package htsget models the htsget ticket protocol: genomic queries, the
// ticket request URL, ticket responses and their URL entries.
//
// # Usage
//
//	q, err := htsget.ParseQuery("chr1:100-200")
//	url := htsget.TicketURL(endpoint, "EGAD0001", htsget.BAM, q)
//
//	client := htsget.NewClient(htsget.Options{})
//	ticket, raw, err := client.FetchTicket(ctx, url, token)
//	for _, entry := range ticket.URLs {
//	    rng, ok, err := entry.Range()
//	    ...
//	}
package htsget
