package main

import (
	"fmt"
	"time"

	"github.com/graphql-go/graphql"
)

var tickType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Tick",
	Fields: graphql.Fields{
		"sequence": &graphql.Field{
			Type: graphql.NewNonNull(graphql.Int),
		},
		"time": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
		},
	},
})

type tick struct {
	Sequence int    `json:"sequence"`
	Time     string `json:"time"`
}

// demoSchema has a trivial query and a subscription that emits a tick per interval.
func demoSchema() (graphql.Schema, error) {
	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"hello": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						return "world", nil
					},
				},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: "Subscription",
			Fields: graphql.Fields{
				"ticks": &graphql.Field{
					Type: graphql.NewNonNull(tickType),
					Args: graphql.FieldConfigArgument{
						"count": &graphql.ArgumentConfig{
							Type:         graphql.Int,
							DefaultValue: 10,
						},
						"intervalMilliseconds": &graphql.ArgumentConfig{
							Type:         graphql.Int,
							DefaultValue: 1000,
						},
					},
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						return p.Source, nil
					},
					Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
						count, _ := p.Args["count"].(int)
						if count <= 0 {
							return nil, fmt.Errorf("count must be positive")
						}
						intervalMilliseconds, _ := p.Args["intervalMilliseconds"].(int)
						if intervalMilliseconds <= 0 {
							return nil, fmt.Errorf("intervalMilliseconds must be positive")
						}
						interval := time.Duration(intervalMilliseconds) * time.Millisecond

						c := make(chan interface{})
						go func() {
							defer close(c)
							ticker := time.NewTicker(interval)
							defer ticker.Stop()
							for i := 0; i < count; i++ {
								select {
								case <-p.Context.Done():
									return
								case t := <-ticker.C:
									select {
									case <-p.Context.Done():
										return
									case c <- &tick{Sequence: i + 1, Time: t.UTC().Format(time.RFC3339Nano)}:
									}
								}
							}
						}()
						return c, nil
					},
				},
			},
		}),
	})
}
