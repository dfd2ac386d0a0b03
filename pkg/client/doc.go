// Package client is the Go client for the crimeledger HTTP API.
//
// Submitting a report:
//
//	c, err := client.New("http://localhost:3000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.SubmitReport(ctx, client.SubmitRequest{
//	    Description:    "theft at market",
//	    SubmitterLabel: "anon1",
//	})
//
// A nil error with res.Anchored == false means the report was stored but its
// ledger anchor is still pending; the server retries it in the background.
//
// Checking a report later:
//
//	v, err := c.Verify(ctx, res.ID)
//	if v.Result == "mismatch" {
//	    // the stored copy no longer matches what was anchored
//	}
//
// Ledger reads never change once written, so GetCrime results may be cached
// client-side with WithCacheTTL.
package client
