package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	recommendBusinessType string
	recommendGoal         string
	recommendUrgency      string
	recommendCount        int
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Recommend agents for a business goal",
	Long: `Rank the agent catalog against a business type and goal.

Examples:
  percy recommend --business-type ecommerce --goal "grow newsletter signups"
  percy recommend -b saas -g "launch campaign" --urgency urgent --count 5`,
	RunE: runRecommend,
}

func init() {
	recommendCmd.Flags().StringVarP(&recommendBusinessType, "business-type", "b", "", "business type (required)")
	recommendCmd.Flags().StringVarP(&recommendGoal, "goal", "g", "", "business goal")
	recommendCmd.Flags().StringVar(&recommendUrgency, "urgency", "", "normal, high or urgent")
	recommendCmd.Flags().IntVar(&recommendCount, "count", 0, "number of recommendations (0 = server default)")
	_ = recommendCmd.MarkFlagRequired("business-type")
	addClientFlags(recommendCmd)
}

func runRecommend(_ *cobra.Command, _ []string) error {
	if recommendBusinessType == "" {
		return fmt.Errorf("business type is required: use -b flag")
	}
	q := url.Values{"business_type": {recommendBusinessType}}
	if recommendGoal != "" {
		q.Set("goal", recommendGoal)
	}
	if recommendUrgency != "" {
		q.Set("urgency", recommendUrgency)
	}
	if recommendCount > 0 {
		q.Set("count", strconv.Itoa(recommendCount))
	}
	printJSON(callGateway(http.MethodGet, "/v1/recommendations?"+q.Encode(), nil))
	return nil
}
