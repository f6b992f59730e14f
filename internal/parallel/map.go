// Package parallel は入力順を保ったまま並列に処理するユーティリティを提供します。
package parallel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Map は items の各要素に fn を最大 limit 並列で適用し、元のインデックス順に結果を返します。
// 完了順に関係なく out[i] は items[i] の結果です。
// fn がエラーを返した場合は残りの処理をキャンセルし、最初のエラーを返します。
func Map[In, Out any](ctx context.Context, items []In, limit int, fn func(ctx context.Context, index int, item In) (Out, error)) ([]Out, error) {
	out := make([]Out, len(items))
	if len(items) == 0 {
		return out, nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(items) {
		limit = len(items)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("item %d panicked: %v", i, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := fn(gctx, i, item)
			if err != nil {
				return err
			}
			// 各ゴルーチンは自分のスロットだけに書き込む
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
